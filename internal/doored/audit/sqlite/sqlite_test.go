package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doored/doored/internal/db"
	"github.com/doored/doored/internal/doored/audit"
)

func newRecorder(t *testing.T) (*Recorder, func(context.Context, int) ([]EventRow, error)) {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)

	worker := db.NewWorker(conn)
	t.Cleanup(func() {
		worker.Close()
		_ = conn.Close()
	})

	rec := NewRecorder(worker, zap.NewNop())
	return rec, func(ctx context.Context, limit int) ([]EventRow, error) {
		return List(ctx, conn, limit)
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rec, list := newRecorder(t)

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec.Record(ctx, audit.Event{
		At: at, DoorID: "1", KeyID: "3300000000000001",
		Kind: audit.KindOpen, Granted: true,
	})
	rec.Record(ctx, audit.Event{
		At: at.Add(time.Second), DoorID: "1", KeyID: "3300000000000002",
		Actor: "boss", Kind: audit.KindGrant, Granted: true, Detail: "user",
	})

	rows, err := list(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, string(audit.KindGrant), rows[0].Kind)
	assert.Equal(t, "boss", rows[0].Actor)
	assert.Equal(t, "user", rows[0].Detail)
	assert.Equal(t, at.Add(time.Second), rows[0].At)

	assert.Equal(t, string(audit.KindOpen), rows[1].Kind)
	assert.Equal(t, "3300000000000001", rows[1].KeyID)
	assert.True(t, rows[1].Granted)
	assert.Empty(t, rows[1].Actor, "absent fields read back empty")
}

func TestRecorder_StampsMissingTime(t *testing.T) {
	ctx := context.Background()
	rec, list := newRecorder(t)

	before := time.Now().UTC().Add(-time.Second)
	rec.Record(ctx, audit.Event{DoorID: "0", Kind: audit.KindDeny})

	rows, err := list(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Granted)
	assert.True(t, rows[0].At.After(before), "a zero At is stamped at write time")
}

func TestRecorder_LimitAndOrder(t *testing.T) {
	ctx := context.Background()
	rec, list := newRecorder(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec.Record(ctx, audit.Event{
			At: base.Add(time.Duration(i) * time.Minute), Kind: audit.KindAuthFail,
		})
	}

	rows, err := list(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, base.Add(4*time.Minute), rows[0].At)
	assert.Equal(t, base.Add(2*time.Minute), rows[2].At)
}
