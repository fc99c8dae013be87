package admin

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	auditmem "github.com/doored/doored/internal/doored/audit/memory"
	"github.com/doored/doored/internal/doored/auth"
	"github.com/doored/doored/internal/doored/door"
	"github.com/doored/doored/internal/doored/hw/sim"
	"github.com/doored/doored/internal/doored/store"
	"github.com/doored/doored/internal/doored/types"
)

const (
	adminKey = "3300000000000001"
	otherKey = "3300000000000002"
	freshKey = "3300000000000009"
)

// env is a full daemon minus the listener: two doors (admin door "0" on
// bus 0, front door "1" on bus 1) with their scan loops running over
// the simulated bus, and an admin server sessions attach to directly.
type env struct {
	store *store.Store
	bus   *sim.Bus
	act   *sim.Actuator
	audit *auditmem.Recorder
	srv   *Server
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "doored.json"), zap.NewNop(), store.Options{
		FlushDelay: 5 * time.Millisecond,
		WatchGrace: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := sim.NewBus()
	act := sim.NewActuator()
	rec := auditmem.New()
	authSvc := auth.NewService(bus, st, zap.NewNop())

	mk := func(cfg door.Config) *door.Controller {
		cfg.Master = "m1"
		cfg.ScanInterval = 3 * time.Millisecond
		cfg.OpenDuration = 50 * time.Millisecond
		st.EnsureDoor(cfg.ID)
		return door.NewController(cfg, bus, act, st, authSvc, rec, zap.NewNop())
	}
	adminC := mk(door.Config{ID: "0", Bus: 0, Admin: true})
	frontC := mk(door.Config{ID: "1", Bus: 1})

	registry, err := door.NewRegistry([]*door.Controller{adminC, frontC})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = adminC.Run(ctx) }()
	go func() { _ = frontC.Run(ctx) }()

	srv := NewServer(Dependencies{
		Addr:     "127.0.0.1:0",
		Store:    st,
		Doors:    registry,
		Actuator: act,
		Audit:    rec,
		Logger:   zap.NewNop(),
	})

	return &env{store: st, bus: bus, act: act, audit: rec, srv: srv, ctx: ctx}
}

// client is the operator end of a piped session. All session output is
// collected in the background so writes on the server side never block.
type client struct {
	conn   net.Conn
	mu     sync.Mutex
	out    bytes.Buffer
	closed chan struct{}
}

func (e *env) connect(t *testing.T) *client {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	c := &client{conn: clientSide, closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		buf := make([]byte, 4096)
		for {
			n, err := clientSide.Read(buf)
			if n > 0 {
				c.mu.Lock()
				c.out.Write(buf[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	sess := newSession(e.srv, serverSide)
	go sess.run(e.ctx)

	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *client) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err, "send %q", line)
}

// expectCount waits until substr has appeared at least n times.
func (c *client) expectCount(t *testing.T, substr string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Count(c.output(), substr) >= n
	}, 3*time.Second, 5*time.Millisecond, "waiting for %d x %q in output:\n%s", n, substr, c.output())
}

func (c *client) expect(t *testing.T, substr string) {
	t.Helper()
	c.expectCount(t, substr, 1)
}

func (c *client) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("connection was not closed; output:\n%s", c.output())
	}
}

// rescan cycles a device off and back onto the admin reader so the next
// poll reports it as added again.
func (e *env) rescan(id, secret string) {
	e.bus.Remove("m1", 0, id)
	time.Sleep(10 * time.Millisecond)
	e.bus.Insert("m1", 0, &sim.Device{ID: id, Secret: secret})
}

// seedAdmin provisions a named admin key and persists the store, so
// sessions take the normal (non-bootstrap) login path.
func (e *env) seedAdmin(t *testing.T) {
	t.Helper()
	e.store.SetSecret(adminKey, "adm")
	_, err := e.store.RenameKey(adminKey, "boss")
	require.NoError(t, err)
	_, _, err = e.store.SetAccess(adminKey, "0", types.LevelAdmin)
	require.NoError(t, err)
	require.NoError(t, e.store.Flush())
}

// login drives a successful admin login for an already seeded key.
func (e *env) login(t *testing.T, c *client) {
	t.Helper()
	c.expect(t, "Touch your key on the reader to log in.")
	c.expect(t, "(o) ")
	e.rescan(adminKey, "adm")
	c.expect(t, "Commands:")
	c.expect(t, "# ")
}

// ── Login ───────────────────────────────────────────────────────────────────

func TestBootstrap_FirstKeyBecomesRootEverywhere(t *testing.T) {
	e := newEnv(t)
	c := e.connect(t)

	c.expect(t, "Welcome to DooReMI")
	c.expect(t, "The database is empty. Touch the root key on the reader.")
	c.expect(t, "(o) ")

	e.bus.Insert("m1", 0, &sim.Device{ID: adminKey})
	c.expect(t, "Root key provisioned.")
	c.expect(t, "# ")

	k, ok := e.store.Key("root")
	require.True(t, ok)
	assert.Equal(t, adminKey, k.ID)
	assert.NotEmpty(t, k.Secret, "bootstrap must write a secret to the key")
	assert.Equal(t, types.LevelRoot, e.store.Access(adminKey, "0"))
	assert.Equal(t, types.LevelRoot, e.store.Access(adminKey, "1"))

	// Unnamed doors picked up default names.
	d0, _ := e.store.Door("0")
	d1, _ := e.store.Door("1")
	assert.Equal(t, "door0", d0.Name)
	assert.Equal(t, "door1", d1.Name)
}

func TestLogin_ThreeFailuresCloseConnection(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)

	for i := 1; i <= 3; i++ {
		c.expectCount(t, "(o) ", i)
		e.rescan(otherKey, "wrong") // unknown key: authentication fails
		c.expectCount(t, "Authentication failed.", i)
	}

	c.expectClosed(t)
	assert.Equal(t, 3, strings.Count(c.output(), "Authentication failed."),
		"the third failure message precedes the close, and no fourth prompt appears")
}

func TestLogin_NonAdminKeyIsDenied(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	e.store.SetSecret(otherKey, "usr")
	_, _, err := e.store.SetAccess(otherKey, "0", types.LevelUser)
	require.NoError(t, err)

	c := e.connect(t)
	c.expect(t, "(o) ")
	e.rescan(otherKey, "usr")
	c.expect(t, "Access denied. An admin key is needed to proceed.")
}

// ── Commands ────────────────────────────────────────────────────────────────

func TestCommand_Malformed(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	before := e.store.Keys()
	c.send(t, "xyz")
	c.expect(t, "Er, not sure what you mean. Try help.")
	assert.Equal(t, before, e.store.Keys(), "a malformed command must not change state")
}

func TestCommand_WhoamiAndKeyList(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "whoami")
	c.expect(t, "boss")

	c.send(t, "key list")
	c.expect(t, "Key ID")
	c.expect(t, "default") // the seeded baseline key shows up too
}

func TestCommand_PrefixAbbreviations(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "k l") // key list
	c.expect(t, "Key ID")

	c.send(t, "?") // help
	c.expectCount(t, "Commands:", 2)
}

func TestCommand_AccessGrantExplicitArgs(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	e.store.SetSecret(otherKey, "x")
	_, err := e.store.RenameKey(otherKey, "carol")
	require.NoError(t, err)

	c := e.connect(t)
	e.login(t, c)

	c.send(t, "access grant 1 user carol")
	c.expect(t, "Access granted to carol for door 1 at level user.")
	assert.Equal(t, types.LevelUser, e.store.Access(otherKey, "1"))

	c.send(t, "access revoke 1 carol")
	c.expect(t, "Access revoked from carol for door 1.")
	assert.Equal(t, types.LevelNone, e.store.Access(otherKey, "1"))
}

func TestCommand_AccessGrantBindsNextScan(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	e.store.SetSecret(otherKey, "x")

	c := e.connect(t)
	e.login(t, c)

	c.send(t, "access grant 1 user")
	// Login prompt and the help text's abort row already used the marker.
	c.expectCount(t, "(o) ", 3)
	e.rescan(otherKey, "x")
	c.expect(t, "Access granted to")
	assert.Equal(t, types.LevelUser, e.store.Access(otherKey, "1"))
}

func TestCommand_AccessGrantBindsNeverSeenKey(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)

	c := e.connect(t)
	e.login(t, c)

	// freshKey has no store record at all: no secret, no name. The bound
	// grant must create it rather than fail the lookup.
	c.send(t, "access grant 1 user")
	c.expectCount(t, "(o) ", 3)
	e.rescan(freshKey, "")
	c.expect(t, "Access granted to "+freshKey+" for door 1 at level user.")
	assert.Equal(t, types.LevelUser, e.store.Access(freshKey, "1"))

	k, ok := e.store.Key(freshKey)
	require.True(t, ok)
	assert.Empty(t, k.Secret)
}

func TestCommand_NotFoundMessages(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "access grant 1 user ghost")
	c.expect(t, "Key not found: ghost")

	c.send(t, "door rename back nodoor")
	c.expect(t, "Door not found: nodoor")
}

func TestCommand_GrantInvalidLevel(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "access grant 1 wizard boss")
	c.expect(t, "Invalid access level: wizard.")
}

func TestCommand_AbortReleasesReader(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "key show")
	c.expectCount(t, "(o) ", 3)
	c.send(t, "cancel")
	c.expect(t, "Cancelled.")
	c.expectCount(t, "# ", 2)

	// The reader is free again: a fresh bind works.
	c.send(t, "key show boss")
	c.expect(t, "Key ID")
}

func TestCommand_KeyRenameAndCollision(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	e.store.SetSecret(otherKey, "x")

	c := e.connect(t)
	e.login(t, c)

	c.send(t, "key rename carol "+otherKey)
	c.expect(t, "renamed to carol.")

	c.send(t, "key rename boss carol")
	c.expect(t, "Name is already in use.")
}

func TestCommand_KeyDelete(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	e.store.SetSecret(otherKey, "x")
	_, _, err := e.store.SetAccess(otherKey, "1", types.LevelUser)
	require.NoError(t, err)

	c := e.connect(t)
	e.login(t, c)

	c.send(t, "key delete "+otherKey)
	c.expect(t, "removed from the system.")

	_, ok := e.store.Key(otherKey)
	assert.False(t, ok)
	assert.Equal(t, types.LevelNone, e.store.Access(otherKey, "1"))
}

func TestCommand_DoorRename(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "door rename front 1")
	c.expect(t, "Door 1 renamed to front.")

	d, ok := e.store.Door("front")
	require.True(t, ok)
	assert.Equal(t, "1", d.ID)
}

func TestCommand_KeyInit_ProvisionsAndResetsAccess(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	// Baseline: the default key is a user on door 1.
	_, _, err := e.store.SetAccess(store.DefaultKeyID, "1", types.LevelUser)
	require.NoError(t, err)

	c := e.connect(t)
	e.login(t, c)

	c.send(t, "key init carol")
	c.expectCount(t, "(o) ", 3)
	e.rescan(otherKey, "")
	c.expect(t, "was initialised and assigned to carol.")

	k, ok := e.store.Key("carol")
	require.True(t, ok)
	assert.Equal(t, otherKey, k.ID)
	assert.NotEmpty(t, k.Secret)
	assert.Equal(t, types.LevelUser, e.store.Access(otherKey, "1"),
		"init applies the default key's baseline")
}

func TestCommand_Bye(t *testing.T) {
	e := newEnv(t)
	e.seedAdmin(t)
	c := e.connect(t)
	e.login(t, c)

	c.send(t, "bye")
	c.expect(t, "Bye.")
	c.expectClosed(t)
}
