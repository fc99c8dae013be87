package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func insertEvent(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO audit_events(at_ms, kind, granted) VALUES (1, 'open', 1);")
	return err
}

func countEvents(t *testing.T, conn *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM audit_events;").Scan(&n))
	return n
}

func TestWorker_CommitsWrites(t *testing.T) {
	conn := openTestDB(t)
	w := NewWorker(conn)
	defer w.Close()

	require.NoError(t, w.Do(context.Background(), insertEvent))
	assert.Equal(t, 1, countEvents(t, conn))
}

func TestWorker_RollsBackOnError(t *testing.T) {
	conn := openTestDB(t)
	w := NewWorker(conn)
	defer w.Close()

	boom := errors.New("boom")
	err := w.Do(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if err := insertEvent(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countEvents(t, conn))
}

func TestWorker_DoAfterCloseFails(t *testing.T) {
	conn := openTestDB(t)
	w := NewWorker(conn)
	w.Close()

	err := w.Do(context.Background(), insertEvent)
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestWorker_CloseIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	w := NewWorker(conn)
	w.Close()
	w.Close()
}

// Writers racing a shutdown either land their row or get ErrWorkerClosed;
// the process never panics on a closed channel.
func TestWorker_CloseRacesWithDo(t *testing.T) {
	conn := openTestDB(t)
	w := NewWorker(conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := w.Do(context.Background(), insertEvent)
				if errors.Is(err, ErrWorkerClosed) {
					return
				}
				assert.NoError(t, err)
			}
		}()
	}

	w.Close()
	wg.Wait()
}
