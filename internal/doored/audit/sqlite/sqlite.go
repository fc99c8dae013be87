// Package sqlite persists the audit log to the daemon's SQLite
// side-channel. The key/door store itself stays a plain JSON document;
// only the append-only decision history lands here.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	dbpkg "github.com/doored/doored/internal/db"
	"github.com/doored/doored/internal/doored/audit"
)

type Recorder struct {
	writer *dbpkg.Worker
	log    *zap.Logger
}

func NewRecorder(writer *dbpkg.Worker, log *zap.Logger) *Recorder {
	return &Recorder{writer: writer, log: log}
}

// Record appends one event. Failures are logged and swallowed: an
// unwritable audit row must not block a door decision.
func (r *Recorder) Record(ctx context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	atMs := ev.At.UTC().UnixMilli()

	var granted int
	if ev.Granted {
		granted = 1
	}

	err := r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO audit_events(at_ms, door_id, key_id, actor, kind, granted, detail)
VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			atMs, nullable(ev.DoorID), nullable(ev.KeyID), nullable(ev.Actor),
			string(ev.Kind), granted, nullable(ev.Detail),
		); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
	if errors.Is(err, dbpkg.ErrWorkerClosed) {
		r.log.Debug("audit write skipped during shutdown", zap.String("kind", string(ev.Kind)))
	} else if err != nil {
		r.log.Error("audit write failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EventRow is one persisted audit record, as read back by List.
type EventRow struct {
	At      time.Time
	DoorID  string
	KeyID   string
	Actor   string
	Kind    string
	Granted bool
	Detail  string
}

// List returns the most recent events, newest first.
func List(ctx context.Context, conn *sql.DB, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := conn.QueryContext(ctx, `
SELECT at_ms, COALESCE(door_id, ''), COALESCE(key_id, ''), COALESCE(actor, ''),
       kind, granted, COALESCE(detail, '')
FROM audit_events ORDER BY at_ms DESC, id DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			ev      EventRow
			atMs    int64
			granted int
		)
		if err := rows.Scan(&atMs, &ev.DoorID, &ev.KeyID, &ev.Actor, &ev.Kind, &granted, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.At = time.UnixMilli(atMs).UTC()
		ev.Granted = granted != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}
