// Package journal keeps an append-only record of reaped children in SQLite.
// It is an audit trail only; the supervisor never reads it back.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/forkd/internal/child"
	"github.com/mattjoyce/forkd/internal/storage"
)

const (
	defaultLimit  = 20
	recordTimeout = 5 * time.Second
)

// Entry is one reaped child.
type Entry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Task       string    `json:"task"`
	Group      string    `json:"group"`
	Pid        int       `json:"pid"`
	Kind       string    `json:"kind"`
	ExitCode   int       `json:"exit_code"`
	TermSignal int       `json:"term_signal"`
	StopSignal int       `json:"stop_signal"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Duration returns how long the child ran.
func (e Entry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Journal records reaped children in SQLite. It is safe for use from the
// supervisor goroutine and CLI readers at the same time.
type Journal struct {
	db *sql.DB
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Open opens the journal database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends the termination of h. h must have been reaped.
func (j *Journal) Record(ctx context.Context, h *child.Handle) error {
	if !h.Terminated() {
		return fmt.Errorf("record run %s: child %d has not terminated", h.RunID(), h.Pid())
	}
	st := h.Status()
	_, err := j.db.ExecContext(ctx, `
INSERT INTO child_exits(
  id, run_id, task, grp, pid, kind, exit_code, term_signal, stop_signal, started_at, ended_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), h.RunID(), h.Task(), h.Group(), h.Pid(), st.Kind.String(),
		st.ExitCode, int(st.TermSignal), int(st.StopSignal),
		h.StartedAt().UTC().Format(time.RFC3339Nano), h.EndedAt().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record run %s: %w", h.RunID(), err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns the default page.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, task, grp, pid, kind, exit_code, term_signal, stop_signal, started_at, ended_at
FROM child_exits
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                   Entry
			startedAt, endedAtS string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Task, &e.Group, &e.Pid, &e.Kind,
			&e.ExitCode, &e.TermSignal, &e.StopSignal, &startedAt, &endedAtS); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, endedAtS); err == nil {
			e.EndedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}

// Binding returns a cleanup binding that records every reaped child.
func (j *Journal) Binding() child.Binding {
	return child.On(child.EventCleanup, func(h *child.Handle) error {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		return j.Record(ctx, h)
	})
}
