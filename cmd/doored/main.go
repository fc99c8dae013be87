// doored is the door relay daemon: it watches the credential readers,
// decides per scan whether to unlock, and serves the operator protocol
// on a TCP port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/doored/doored/internal/config"
	"github.com/doored/doored/internal/db"
	"github.com/doored/doored/internal/doored/admin"
	"github.com/doored/doored/internal/doored/audit"
	auditsqlite "github.com/doored/doored/internal/doored/audit/sqlite"
	"github.com/doored/doored/internal/doored/auth"
	"github.com/doored/doored/internal/doored/door"
	"github.com/doored/doored/internal/doored/hw/sim"
	"github.com/doored/doored/internal/doored/store"
	"github.com/doored/doored/internal/doored/types"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default: doored.yaml in . or /etc/doored)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doored: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doored: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		// A non-zero exit is the signal to the process supervisor that
		// a restart (and possibly a hardware power cycle) is needed.
		logger.Error("daemon exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath, logger, store.Options{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var recorder audit.Recorder = audit.Nop{}
	if cfg.AuditDBPath != "" {
		conn, err := db.Open(ctx, cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer func() { _ = conn.Close() }()

		writer := db.NewWorker(conn)
		defer writer.Close()
		recorder = auditsqlite.NewRecorder(writer, logger)
	}

	// The only in-tree hardware backend is the simulator; the real
	// 1-wire and GPIO bindings live outside this repository behind the
	// hw interfaces.
	bus := sim.NewBus()
	act := sim.NewActuator()
	authSvc := auth.NewService(bus, st, logger)

	var controllers []*door.Controller
	for _, m := range cfg.Masters {
		for _, d := range m.Doors {
			st.EnsureDoor(d.ID)
			minAccess := types.LevelUser
			if d.MinAccess != "" {
				lvl, err := types.ParseAccessLevel(d.MinAccess)
				if err != nil {
					return fmt.Errorf("door %s: min_access %q: %w", d.ID, d.MinAccess, err)
				}
				minAccess = lvl
			}
			relays := make([]door.RelayChannel, 0, len(d.Relays))
			for _, r := range d.Relays {
				relays = append(relays, door.RelayChannel{Channel: r.Channel, Invert: r.Invert})
			}
			controllers = append(controllers, door.NewController(door.Config{
				ID:             d.ID,
				Name:           d.Name,
				Admin:          d.Admin,
				MinAccess:      minAccess,
				OpenDuration:   d.OpenDuration(),
				ScanInterval:   d.ScanInterval(),
				Master:         m.Name,
				Bus:            d.Bus,
				Relays:         relays,
				PresenceDevice: m.PresenceDevice,
				RemovalTimeout: m.RemovalTimeout(),
				LogKeyIDs:      cfg.LogKeyIDs,
			}, bus, act, st, authSvc, recorder, logger))
		}
	}

	registry, err := door.NewRegistry(controllers)
	if err != nil {
		return err
	}

	srv := admin.NewServer(admin.Dependencies{
		Addr:     cfg.AdminAddr,
		Store:    st,
		Doors:    registry,
		Actuator: act,
		Audit:    recorder,
		Logger:   logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	for _, c := range controllers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}

	logger.Info("doored ready",
		zap.String("admin_addr", cfg.AdminAddr),
		zap.Int("doors", len(controllers)))

	return g.Wait()
}

func buildLogger(lc config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lc.Level != "" {
		lvl, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}
