package door

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_GrantImmediatelyWhenFree(t *testing.T) {
	a := newLeaseArbiter(nil)

	l, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)

	a.dispatch(Event{Kind: EventRead, KeyID: "33aa"})
	ev := <-l.Events()
	assert.Equal(t, "33aa", ev.KeyID)
}

func TestLease_LoginRetriesInsteadOfQueueing(t *testing.T) {
	a := newLeaseArbiter(nil)

	_, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)

	_, err = a.acquire(PurposeLogin, false)
	assert.ErrorIs(t, err, ErrReaderBusy)
}

func TestLease_FIFOHandOff_DistinctScans(t *testing.T) {
	a := newLeaseArbiter(nil)

	const n = 5
	leases := make([]*Lease, n)
	for i := range leases {
		l, err := a.acquire(PurposeBindNextScan, false)
		require.NoError(t, err)
		leases[i] = l
	}

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		a.dispatch(Event{Kind: EventRead, KeyID: fmt.Sprintf("33%02d", i)})
	}
	for i, l := range leases {
		ev := <-l.Events()
		seen[ev.KeyID]++
		assert.Equal(t, fmt.Sprintf("33%02d", i), ev.KeyID, "waiter %d got the wrong scan", i)
	}

	// No two waiters observed the same scan.
	for id, count := range seen {
		assert.Equal(t, 1, count, "scan %s delivered %d times", id, count)
	}
}

func TestLease_NonResolvingEventsAreDropped(t *testing.T) {
	a := newLeaseArbiter(nil)

	l, err := a.acquire(PurposeLogin, false)
	require.NoError(t, err)

	// A login lease ignores raw reads and secret results.
	a.dispatch(Event{Kind: EventRead, KeyID: "33aa"})
	a.dispatch(Event{Kind: EventSecret, KeyID: "33aa", OK: true})
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	a.dispatch(Event{Kind: EventAuth, KeyID: "33aa", OK: true})
	ev := <-l.Events()
	assert.True(t, ev.OK)
}

func TestLease_ReleaseGrantsNextWaiter(t *testing.T) {
	a := newLeaseArbiter(nil)

	first, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)
	second, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)

	first.Release()
	a.dispatch(Event{Kind: EventRead, KeyID: "33bb"})

	ev := <-second.Events()
	assert.Equal(t, "33bb", ev.KeyID)

	select {
	case ev := <-first.Events():
		t.Fatalf("released waiter received %+v", ev)
	default:
	}
}

func TestLease_CancelledQueuedWaiterIsSkipped(t *testing.T) {
	a := newLeaseArbiter(nil)

	first, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)
	second, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)
	third, err := a.acquire(PurposeBindNextScan, false)
	require.NoError(t, err)

	second.Release()
	a.dispatch(Event{Kind: EventRead, KeyID: "3301"})
	a.dispatch(Event{Kind: EventRead, KeyID: "3302"})

	assert.Equal(t, "3301", (<-first.Events()).KeyID)
	assert.Equal(t, "3302", (<-third.Events()).KeyID)
}

func TestLease_HolderChangeArmsGeneration(t *testing.T) {
	var armed bool
	a := newLeaseArbiter(func(holder *Lease) {
		armed = holder != nil && holder.generate
	})

	l, err := a.acquire(PurposeGenerateSecret, true)
	require.NoError(t, err)
	assert.True(t, armed)

	a.dispatch(Event{Kind: EventSecret, KeyID: "33aa", OK: true})
	<-l.Events()
	assert.False(t, armed, "generation must disarm when the lease resolves")
}
