package door

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReaderBusy is returned to Login acquirers while another lease is
// held. Logins retry instead of queueing so a stuck admin session can
// never starve the login path.
var ErrReaderBusy = errors.New("reader busy")

// Purpose says what a lease holder is waiting for, which also picks the
// notification kind that resolves (and self-releases) the lease.
type Purpose int

const (
	// PurposeLogin resolves on the authentication result of the next
	// scanned key.
	PurposeLogin Purpose = iota
	// PurposeBindNextScan resolves on the first raw read after
	// acquisition, before any authentication.
	PurposeBindNextScan
	// PurposeGenerateSecret resolves on the secret-generation outcome.
	PurposeGenerateSecret
)

// EventKind tags controller notifications routed to lease holders.
type EventKind int

const (
	EventRead EventKind = iota
	EventAuth
	EventSecret
)

// Event is one reader notification: a raw scan, an authentication
// result, or a secret-generation result for KeyID.
type Event struct {
	Kind  EventKind
	KeyID string
	OK    bool
}

// Lease is the exclusive right to the next matching reader notification
// on one door. At most one lease is held per door at any instant;
// holders receive exactly one resolving event and are then released
// automatically.
type Lease struct {
	Token       uuid.UUID
	Purpose     Purpose
	RequestedAt time.Time

	// generate arms the door's secret-generation mode while held.
	// Set for PurposeGenerateSecret and for the bootstrap login.
	generate bool

	arb       *leaseArbiter
	events    chan Event
	cancelled bool
}

// Events delivers the resolving notification. The channel is buffered:
// the scan loop never blocks on a slow session.
func (l *Lease) Events() <-chan Event { return l.events }

// Release gives up the lease, granting the reader to the next queued
// waiter. Safe to call after the lease has already resolved. A released
// waiter is never delivered a notification afterwards.
func (l *Lease) Release() { l.arb.release(l) }

func (l *Lease) resolvesOn(kind EventKind) bool {
	switch l.Purpose {
	case PurposeLogin:
		return kind == EventAuth
	case PurposeBindNextScan:
		return kind == EventRead
	case PurposeGenerateSecret:
		return kind == EventSecret
	}
	return false
}

// leaseArbiter serializes ownership of one door's reader. Waiters queue
// FIFO; the dispatch of a resolving event and the hand-off to the next
// waiter happen under one lock, so two sessions can never observe the
// same scan as theirs.
type leaseArbiter struct {
	mu     sync.Mutex
	holder *Lease
	queue  []*Lease

	// holderChanged is invoked (outside the hot path, same goroutine)
	// whenever the current holder changes; the controller uses it to
	// arm or disarm secret-generation mode.
	holderChanged func(holder *Lease)
}

func newLeaseArbiter(holderChanged func(*Lease)) *leaseArbiter {
	return &leaseArbiter{holderChanged: holderChanged}
}

func (a *leaseArbiter) acquire(p Purpose, generate bool) (*Lease, error) {
	l := &Lease{
		Token:       uuid.New(),
		Purpose:     p,
		RequestedAt: time.Now(),
		generate:    generate,
		arb:         a,
		events:      make(chan Event, 1),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder == nil {
		a.holder = l
		a.notifyLocked()
		return l, nil
	}
	if p == PurposeLogin {
		return nil, ErrReaderBusy
	}
	a.queue = append(a.queue, l)
	return l, nil
}

func (a *leaseArbiter) release(l *Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l.cancelled = true
	if a.holder == l {
		a.grantNextLocked()
		return
	}
	for i, q := range a.queue {
		if q == l {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}

// dispatch routes a notification to the current holder. A resolving
// event is delivered exactly once and self-releases the lease; other
// events are dropped, as are events arriving with no holder.
func (a *leaseArbiter) dispatch(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.holder
	if h == nil || h.cancelled || !h.resolvesOn(ev.Kind) {
		return
	}
	h.events <- ev
	a.grantNextLocked()
}

func (a *leaseArbiter) grantNextLocked() {
	a.holder = nil
	for len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = a.queue[1:]
		if next.cancelled {
			continue
		}
		a.holder = next
		break
	}
	a.notifyLocked()
}

func (a *leaseArbiter) notifyLocked() {
	if a.holderChanged != nil {
		a.holderChanged(a.holder)
	}
}
