// Package door implements the per-door decision core: the unlock/relock
// state machine, the escalation-while-open rule, the continuous scan
// loop over the bus manager, and the lease arbitration that hands
// individual reader notifications to administrative sessions.
package door

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/audit"
	"github.com/doored/doored/internal/doored/auth"
	"github.com/doored/doored/internal/doored/hw"
	"github.com/doored/doored/internal/doored/store"
	"github.com/doored/doored/internal/doored/types"
)

// keyDeviceFamily is the serial prefix of the DS1961S credential class.
// Only devices of this family proceed to authentication.
const keyDeviceFamily = "33"

// RelayChannel is one GPIO channel holding the door strike, with
// optional inverted logic.
type RelayChannel struct {
	Channel int
	Invert  bool
}

// Config wires one physical door.
type Config struct {
	ID        string
	Name      string
	Admin     bool
	MinAccess types.AccessLevel

	OpenDuration time.Duration
	ScanInterval time.Duration

	Master string
	Bus    int
	Relays []RelayChannel

	// PresenceDevice is the id of an identification chip bonded to the
	// bus master. Its persistent absence means the hardware likely
	// needs a power cycle and is fatal for the process.
	PresenceDevice string
	RemovalTimeout time.Duration

	// LogKeyIDs opts into logging raw key serials. Off by default so
	// credentials do not leak into log files.
	LogKeyIDs bool
}

// Decision is the outcome of evaluating a scanned key.
type Decision int

const (
	DecisionOpened Decision = iota
	DecisionDenied
	DecisionEscalated
	DecisionAlreadyOpenDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionOpened:
		return "opened"
	case DecisionDenied:
		return "denied"
	case DecisionEscalated:
		return "escalated"
	case DecisionAlreadyOpenDenied:
		return "already-open"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

type opener struct {
	keyID string
	level types.AccessLevel
}

// Controller owns one door: its open/closed state, its relays, its
// reader lease, and the scan loop on its slice of the bus. All mutable
// door state is written only by the controller itself.
type Controller struct {
	cfg   Config
	bus   hw.BusManager
	act   hw.Actuator
	store *store.Store
	auth  *auth.Service
	audit audit.Recorder
	log   *zap.Logger

	leases    *leaseArbiter
	genSecret atomic.Bool

	mu         sync.Mutex
	openedBy   *opener
	closeTimer *time.Timer
	openSeq    uint64

	removalMu    sync.Mutex
	removalTimer *time.Timer
	fatalc       chan error
}

func NewController(cfg Config, bus hw.BusManager, act hw.Actuator, st *store.Store, authSvc *auth.Service, rec audit.Recorder, log *zap.Logger) *Controller {
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 40 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 250 * time.Millisecond
	}
	if cfg.RemovalTimeout <= 0 {
		cfg.RemovalTimeout = 15 * time.Second
	}
	if cfg.MinAccess == types.LevelNone {
		cfg.MinAccess = types.LevelUser
	}
	if rec == nil {
		rec = audit.Nop{}
	}

	c := &Controller{
		cfg:    cfg,
		bus:    bus,
		act:    act,
		store:  st,
		auth:   authSvc,
		audit:  rec,
		log:    log.With(zap.String("door", cfg.Label())),
		fatalc: make(chan error, 1),
	}
	// Secret-generation mode follows lease ownership: armed exactly
	// while the held lease asked for generation. The flag is atomic so
	// the arbiter callback never has to take the controller lock.
	c.leases = newLeaseArbiter(func(holder *Lease) {
		c.genSecret.Store(holder != nil && holder.generate)
	})
	return c
}

func (cfg Config) Label() string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.ID
}

func (c *Controller) ID() string    { return c.cfg.ID }
func (c *Controller) Name() string  { return c.cfg.Name }
func (c *Controller) IsAdmin() bool { return c.cfg.Admin }

// ── Leases ──────────────────────────────────────────────────────────────────

// AcquireLogin claims the reader for a session login. If the reader is
// held it fails with ErrReaderBusy and the caller retries; logins never
// queue. generate additionally arms secret-generation mode for the
// bootstrap of an empty store.
func (c *Controller) AcquireLogin(generate bool) (*Lease, error) {
	return c.leases.acquire(PurposeLogin, generate)
}

// AcquireBind claims the next raw scan, queueing FIFO when held.
func (c *Controller) AcquireBind() (*Lease, error) {
	return c.leases.acquire(PurposeBindNextScan, false)
}

// AcquireGenerate claims the reader for secret provisioning; resolves
// on the generation outcome of the next scanned key.
func (c *Controller) AcquireGenerate() (*Lease, error) {
	return c.leases.acquire(PurposeGenerateSecret, true)
}

// ── State machine ───────────────────────────────────────────────────────────

// Evaluate decides what a successful authentication of keyID means for
// this door and advances the state machine accordingly.
func (c *Controller) Evaluate(keyID string) Decision {
	return c.evaluate(keyID, c.genSecret.Load())
}

// evaluate takes the level-check bypass as an argument: the scan loop
// samples generation mode at the start of the tick, so a key whose
// secret was just written still gets its provisioning unlock even
// though dispatching the secret event already released the lease.
func (c *Controller) evaluate(keyID string, bypassLevel bool) Decision {
	c.mu.Lock()

	if c.openedBy != nil {
		op := *c.openedBy
		c.mu.Unlock()

		// Escalation: while open, a different key is granted one level
		// below the opener, provided the opener is at least an admin.
		// The open timer is never touched here.
		if op.keyID != keyID && op.level >= types.LevelAdmin {
			granted := op.level - 1
			if _, _, err := c.store.SetAccess(keyID, c.cfg.ID, granted); err != nil {
				c.warnKey(keyID, "escalation grant failed", zap.Error(err))
				return DecisionAlreadyOpenDenied
			}
			c.infoKey(keyID, "escalated access while open",
				zap.String("level", granted.String()))
			c.record(keyID, audit.KindEscalate, true, granted.String())
			return DecisionEscalated
		}

		c.infoKey(keyID, "scan on already open door ignored")
		c.record(keyID, audit.KindDeny, false, "already open")
		return DecisionAlreadyOpenDenied
	}

	level := c.store.Access(keyID, c.cfg.ID)
	if !bypassLevel && level < c.cfg.MinAccess {
		c.mu.Unlock()
		c.infoKey(keyID, "access denied", zap.String("level", level.String()))
		c.record(keyID, audit.KindDeny, false, level.String())
		return DecisionDenied
	}

	c.openSeq++
	seq := c.openSeq
	c.openedBy = &opener{keyID: keyID, level: level}
	c.closeTimer = time.AfterFunc(c.cfg.OpenDuration, func() { c.closeSeq(seq) })
	c.mu.Unlock()

	c.setRelays(true)
	c.infoKey(keyID, "opened", zap.Duration("for", c.cfg.OpenDuration))
	c.record(keyID, audit.KindOpen, true, level.String())
	return DecisionOpened
}

// Close relocks the door. Idempotent: a door already closed stays
// closed, and a stale auto-close can never race a newer opening.
func (c *Controller) Close() {
	c.mu.Lock()
	seq := c.openSeq
	c.mu.Unlock()
	c.closeSeq(seq)
}

func (c *Controller) closeSeq(seq uint64) {
	c.mu.Lock()
	if c.openedBy == nil || c.openSeq != seq {
		c.mu.Unlock()
		return
	}
	c.openedBy = nil
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
	c.mu.Unlock()

	c.setRelays(false)
	c.log.Debug("closed")
}

// Opener reports the key currently holding the door open, if any.
func (c *Controller) Opener() (keyID string, level types.AccessLevel, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openedBy == nil {
		return "", types.LevelNone, false
	}
	return c.openedBy.keyID, c.openedBy.level, true
}

// setRelays actuates every configured channel. Relay errors are logged
// and otherwise ignored: a flaky GPIO path must not wedge the access
// state machine.
func (c *Controller) setRelays(open bool) {
	for _, r := range c.cfg.Relays {
		on := open != r.Invert
		if err := c.act.SetRelay(c.cfg.ID, r.Channel, on); err != nil {
			c.log.Error("relay write failed",
				zap.Int("channel", r.Channel), zap.Error(err))
		}
	}
}

// ── Scan loop ───────────────────────────────────────────────────────────────

// Run polls the bus at the configured interval until ctx is cancelled.
// It returns a non-nil error only for the fatal presence-device
// condition, which the supervisor is expected to answer with a restart
// and hardware power cycle.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case err := <-c.fatalc:
			c.Close()
			return err
		case <-ticker.C:
			c.scanOnce()
		}
	}
}

func (c *Controller) scanOnce() {
	added, removed, err := c.bus.PollBus(c.cfg.Master, c.cfg.Bus)
	if err != nil {
		c.log.Warn("bus poll failed", zap.Error(err))
		return
	}

	for _, id := range added {
		c.deviceAdded(id)
	}
	for _, id := range removed {
		c.deviceRemoved(id)
	}
}

func (c *Controller) deviceAdded(id string) {
	c.debugKey(id, "device added")
	genMode := c.genSecret.Load()

	if id == c.cfg.PresenceDevice {
		c.presenceReturned()
	}

	// Binding flows see the raw scan even if the device later fails the
	// class filter or authentication.
	c.leases.dispatch(Event{Kind: EventRead, KeyID: id})

	if !strings.HasPrefix(id, keyDeviceFamily) {
		return
	}

	if genMode {
		secret, ok := c.auth.Generate(id)
		if !ok {
			c.warnKey(id, "secret generation failed")
			c.leases.dispatch(Event{Kind: EventSecret, KeyID: id, OK: false})
			c.leases.dispatch(Event{Kind: EventAuth, KeyID: id, OK: false})
			return
		}
		c.store.SetSecret(id, secret)
		c.infoKey(id, "new secret written")
		c.record(id, audit.KindSecret, true, "")
		c.leases.dispatch(Event{Kind: EventSecret, KeyID: id, OK: true})
	}

	authed := c.auth.Authenticate(id)
	c.infoKey(id, "authentication finished", zap.Bool("ok", authed))
	c.leases.dispatch(Event{Kind: EventAuth, KeyID: id, OK: authed})

	if !authed {
		c.record(id, audit.KindAuthFail, false, "")
		return
	}
	if !c.cfg.Admin {
		c.evaluate(id, genMode)
	}
}

func (c *Controller) deviceRemoved(id string) {
	c.debugKey(id, "device removed")
	if id != c.cfg.PresenceDevice {
		return
	}

	c.removalMu.Lock()
	defer c.removalMu.Unlock()
	if c.removalTimer != nil {
		return
	}
	c.log.Warn("presence device removed, starting grace timer",
		zap.Duration("timeout", c.cfg.RemovalTimeout))
	c.removalTimer = time.AfterFunc(c.cfg.RemovalTimeout, func() {
		err := fmt.Errorf("presence device %s absent for %s on master %s: hardware needs a power cycle",
			c.cfg.PresenceDevice, c.cfg.RemovalTimeout, c.cfg.Master)
		select {
		case c.fatalc <- err:
		default:
		}
	})
}

func (c *Controller) presenceReturned() {
	c.removalMu.Lock()
	defer c.removalMu.Unlock()
	if c.removalTimer != nil {
		c.removalTimer.Stop()
		c.removalTimer = nil
		c.log.Info("presence device reappeared")
	}
}

// ── Logging / audit helpers ─────────────────────────────────────────────────

func (c *Controller) keyField(id string) zap.Field {
	if c.cfg.LogKeyIDs {
		return zap.String("key", id)
	}
	return zap.Skip()
}

func (c *Controller) debugKey(id, msg string, fields ...zap.Field) {
	c.log.Debug(msg, append(fields, c.keyField(id))...)
}

func (c *Controller) infoKey(id, msg string, fields ...zap.Field) {
	c.log.Info(msg, append(fields, c.keyField(id))...)
}

func (c *Controller) warnKey(id, msg string, fields ...zap.Field) {
	c.log.Warn(msg, append(fields, c.keyField(id))...)
}

func (c *Controller) record(keyID string, kind audit.Kind, granted bool, detail string) {
	c.audit.Record(context.Background(), audit.Event{
		DoorID:  c.cfg.ID,
		KeyID:   keyID,
		Kind:    kind,
		Granted: granted,
		Detail:  detail,
	})
}
