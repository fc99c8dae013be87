// Package admin serves the line-oriented operator protocol over TCP:
// login bound to a scan on the admin door's reader, then a command
// language that reads and mutates the key/door store.
package admin

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/audit"
	"github.com/doored/doored/internal/doored/door"
	"github.com/doored/doored/internal/doored/hw"
	"github.com/doored/doored/internal/doored/store"
)

type Dependencies struct {
	Addr     string
	Store    *store.Store
	Doors    *door.Registry
	Actuator hw.Actuator
	Audit    audit.Recorder
	Logger   *zap.Logger
}

type Server struct {
	addr  string
	store *store.Store
	doors *door.Registry
	act   hw.Actuator
	audit audit.Recorder
	log   *zap.Logger
}

func NewServer(d Dependencies) *Server {
	rec := d.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Server{
		addr:  d.Addr,
		store: d.Store,
		doors: d.Doors,
		act:   d.Actuator,
		audit: rec,
		log:   d.Logger,
	}
}

// Serve accepts operator connections until ctx is cancelled. Each
// connection runs its own session goroutine; sessions are independent
// and only meet at the store and the admin door's reader lease.
func (s *Server) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	s.log.Info("admin server listening", zap.String("addr", ln.Addr().String()))
	return s.serve(ctx, ln)
}

// serve returns only after every session goroutine has finished, so the
// shared resources behind the server (store, audit writer) are never
// torn down under a session that is still draining.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var sessions sync.WaitGroup
	defer sessions.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		sess := newSession(s, conn)
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			sess.run(ctx)
		}()
	}
}
