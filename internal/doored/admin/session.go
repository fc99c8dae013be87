package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/audit"
	"github.com/doored/doored/internal/doored/door"
	"github.com/doored/doored/internal/doored/hw"
	"github.com/doored/doored/internal/doored/types"
)

const (
	welcomeBanner = "Welcome to DooReMI -- Door Relay Management Interface.\n\n"
	cmdPrompt     = "# "
	scanPrompt    = "(o) "
	notUnderstood = "Er, not sure what you mean. Try help.\n"

	// maxLoginFailures closes the connection; the failure message for
	// the final attempt is written before the socket goes away.
	maxLoginFailures = 3

	// loginRetryDelay paces re-acquisition of the reader when another
	// session holds the login lease.
	loginRetryDelay = time.Second
)

// session is one connected operator: a protocol state machine that
// moves from awaiting-login to authenticated, then serves commands.
// Input lines arrive on a channel fed by a reader goroutine so the
// session can simultaneously wait for lease notifications.
type session struct {
	srv   *Server
	conn  net.Conn
	lines chan string
	log   *zap.Logger

	loginKey types.Key
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		srv:   s,
		conn:  conn,
		lines: make(chan string),
		log:   s.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (s *session) run(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
		s.resetIndicators()
		s.log.Debug("session closed")
	}()

	s.log.Debug("session opened")
	go s.readLines()
	s.resetIndicators()

	s.write(welcomeBanner)

	if !s.login(ctx) {
		return
	}

	s.cmdHelp()
	s.write(cmdPrompt)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-s.lines:
			if !ok {
				return
			}
			if !s.dispatch(ctx, line) {
				return
			}
			s.write(cmdPrompt)
		}
	}
}

// readLines feeds input lines to the session loop; the channel closes
// on disconnect.
func (s *session) readLines() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		s.lines <- strings.TrimSpace(scanner.Text())
	}
}

// ── Login ───────────────────────────────────────────────────────────────────

// login walks the AwaitingLogin state: bind a scan on the admin door,
// authenticate it, and require admin level there. An empty store
// instead runs the bootstrap, which provisions the first key as root.
func (s *session) login(ctx context.Context) bool {
	adminDoor := s.srv.doors.Admin()
	fails := 0

	for {
		bootstrap := !s.srv.store.Exists()
		if bootstrap {
			s.write("The database is empty. Touch the root key on the reader.\n")
		} else {
			s.write("Touch your key on the reader to log in.\n")
		}

		lease, err := adminDoor.AcquireLogin(bootstrap)
		if errors.Is(err, door.ErrReaderBusy) {
			s.write("The reader is busy. Trying again...\n")
			select {
			case <-ctx.Done():
				return false
			case _, ok := <-s.lines:
				if !ok {
					return false
				}
			case <-time.After(loginRetryDelay):
			}
			continue
		} else if err != nil {
			s.log.Error("login lease failed", zap.Error(err))
			return false
		}

		ev, ok := s.awaitLease(ctx, lease, false)
		if !ok {
			return false
		}

		if !ev.OK {
			s.write("Authentication failed.\n\n")
			s.srv.audit.Record(ctx, audit.Event{
				DoorID: adminDoor.ID(), KeyID: ev.KeyID, Kind: audit.KindLoginFail,
			})
			fails++
			if fails >= maxLoginFailures {
				return false
			}
			continue
		}

		if bootstrap {
			s.bootstrap(ctx, ev.KeyID)
		} else if s.srv.store.Access(ev.KeyID, adminDoor.ID()) < types.LevelAdmin {
			s.write("Access denied. An admin key is needed to proceed.\n\n")
			s.srv.audit.Record(ctx, audit.Event{
				DoorID: adminDoor.ID(), KeyID: ev.KeyID, Kind: audit.KindLoginFail,
				Detail: "below admin level",
			})
			fails++
			if fails >= maxLoginFailures {
				return false
			}
			continue
		}

		key, _ := s.srv.store.Key(ev.KeyID)
		if key.ID == "" {
			key = types.Key{ID: ev.KeyID}
		}
		s.loginKey = key
		s.srv.audit.Record(ctx, audit.Event{
			DoorID: adminDoor.ID(), KeyID: key.ID, Kind: audit.KindLogin, Granted: true,
		})
		s.log.Info("operator logged in", zap.String("key", key.Label()))
		return true
	}
}

// bootstrap provisions the very first key of an empty store: it becomes
// root everywhere and every configured door gets a default name if it
// has none yet.
func (s *session) bootstrap(ctx context.Context, keyID string) {
	st := s.srv.store

	if _, err := st.RenameKey(keyID, "root"); err != nil {
		s.log.Warn("bootstrap rename failed", zap.Error(err))
	}
	for _, c := range s.srv.doors.All() {
		if d, ok := st.Door(c.ID()); ok && d.Name == "" {
			name := c.Name()
			if name == "" {
				name = defaultDoorName(c.ID())
			}
			if _, err := st.RenameDoor(c.ID(), name); err != nil {
				s.log.Warn("bootstrap door name failed", zap.String("door", c.ID()), zap.Error(err))
			}
		}
		if _, _, err := st.SetAccess(keyID, c.ID(), types.LevelRoot); err != nil {
			s.log.Warn("bootstrap grant failed", zap.String("door", c.ID()), zap.Error(err))
		}
	}

	s.srv.audit.Record(ctx, audit.Event{
		KeyID: keyID, Kind: audit.KindBootstrap, Granted: true,
	})
	s.write("Root key provisioned.\n\n")
}

func defaultDoorName(id string) string {
	name := "door" + id
	if len(name) > types.MaxDoorNameLen {
		name = name[:types.MaxDoorNameLen]
	}
	return name
}

// ── Reader binding ──────────────────────────────────────────────────────────

// awaitLease arms the scan prompt and blocks until the lease resolves,
// the operator aborts (when abortable), or the connection goes away.
// The lease is always released on the way out; a session that left
// never receives a scan.
func (s *session) awaitLease(ctx context.Context, lease *door.Lease, abortable bool) (door.Event, bool) {
	s.startReading()
	defer s.stopReading()
	defer lease.Release()

	for {
		select {
		case <-ctx.Done():
			return door.Event{}, false
		case ev := <-lease.Events():
			return ev, true
		case line, ok := <-s.lines:
			if !ok {
				return door.Event{}, false
			}
			if abortable && isAbort(line) {
				s.write("Cancelled.\n")
				return door.Event{}, false
			}
			// Anything else typed while the reader is armed is ignored.
		}
	}
}

func (s *session) startReading() {
	s.setIndicator(hw.IndicatorRed, true)
	s.write(scanPrompt)
}

func (s *session) stopReading() {
	s.setIndicator(hw.IndicatorRed, false)
	s.write("\n")
}

func (s *session) resetIndicators() {
	s.setIndicator(hw.IndicatorRed, false)
	s.setIndicator(hw.IndicatorGreen, false)
	s.setIndicator(hw.IndicatorBlue, true)
}

func (s *session) setIndicator(color string, on bool) {
	if s.srv.act == nil {
		return
	}
	if err := s.srv.act.SetIndicator(color, on); err != nil {
		s.log.Debug("indicator write failed", zap.String("color", color), zap.Error(err))
	}
}

// ── Output ──────────────────────────────────────────────────────────────────

func (s *session) write(msg string) {
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		s.log.Debug("socket write failed", zap.Error(err))
	}
}

func (s *session) writef(format string, args ...any) {
	s.write(fmt.Sprintf(format, args...))
}
