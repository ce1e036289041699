// Package registry tracks which tables have been made undoable and
// records a structured audit trail of begin/end/undo/redo activity.
//
// Grounded on the teacher's internal/core.ModuleManager: a DB-backed
// registry of named units loaded on demand, plus a hook-style Emit/trace
// log for observability (teacher's DebugEvent). Here the "module" is a
// registered undoable table and the "hook event" is a capture/replay
// operation — the underlying concern (a persisted registry plus a
// structured activity log keyed by a generated trace id) carries over
// unchanged; only the domain it describes does not.
package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS _undo_tables(
	table_name TEXT PRIMARY KEY,
	granularity INTEGER NOT NULL,
	trigger_names TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _undo_trace(
	trace_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event TEXT NOT NULL,
	table_name TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
`

// Execer is the subset of *sql.DB / *sql.Conn this package needs. The
// engine binds the registry to its dedicated connection, so a Trace call
// made while an undoable session is open (the "begin" event) runs inside
// that session's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Registration describes one undoable table.
type Registration struct {
	Table        string
	Granularity  int
	TriggerNames []string
	RegisteredAt time.Time
}

// TraceEvent is one row of the audit trail.
type TraceEvent struct {
	TraceID string
	Seq     int
	Event   string
	Table   string
	Detail  string
	At      time.Time
}

// Registry is the table registry and audit trail, bound to a connection.
type Registry struct {
	db Execer
}

// New binds a registry to db and ensures its backing tables exist.
func New(ctx context.Context, db Execer) (*Registry, error) {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// Lookup reports the existing registration for table, if any. Callers use
// this to refuse a silent re-install (spec §4.C: a second make_undoable
// on the same table without dropping first is an error, not something
// the engine papers over).
func (r *Registry) Lookup(ctx context.Context, table string) (Registration, bool, error) {
	var (
		reg          Registration
		triggerNames string
		registeredAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT table_name, granularity, trigger_names, registered_at FROM _undo_tables WHERE table_name = ?`,
		table,
	).Scan(&reg.Table, &reg.Granularity, &triggerNames, &registeredAt)
	if err == sql.ErrNoRows {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, err
	}
	reg.TriggerNames = strings.Split(triggerNames, ",")
	reg.RegisteredAt = time.Unix(registeredAt, 0)
	return reg, true, nil
}

// Register records that table is now undoable at the given granularity
// with the given trigger names.
func (r *Registry) Register(ctx context.Context, table string, granularity int, triggerNames []string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO _undo_tables(table_name, granularity, trigger_names, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(table_name) DO UPDATE SET
			granularity = excluded.granularity,
			trigger_names = excluded.trigger_names,
			registered_at = excluded.registered_at`,
		table, granularity, strings.Join(triggerNames, ","), time.Now().Unix(),
	)
	return err
}

// List returns every registered table, ordered by name.
func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT table_name, granularity, trigger_names, registered_at FROM _undo_tables ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var (
			reg          Registration
			triggerNames string
			registeredAt int64
		)
		if err := rows.Scan(&reg.Table, &reg.Granularity, &triggerNames, &registeredAt); err != nil {
			return nil, err
		}
		reg.TriggerNames = strings.Split(triggerNames, ",")
		reg.RegisteredAt = time.Unix(registeredAt, 0)
		out = append(out, reg)
	}
	return out, rows.Err()
}

// Trace appends one audit-trail row under a freshly generated trace id.
// This is pure observability: it is never consulted by undosession or
// undodriver to decide correctness, only appended to by them.
func (r *Registry) Trace(ctx context.Context, event, table, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO _undo_trace(trace_id, seq, event, table_name, detail, at) VALUES (?, 0, ?, ?, ?, ?)`,
		uuid.New().String(), event, table, detail, time.Now().Unix(),
	)
	return err
}

// RecentTrace returns the most recent limit audit-trail rows, newest
// last, for operator visibility (the shell's `.trace` command).
func (r *Registry) RecentTrace(ctx context.Context, limit int) ([]TraceEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT trace_id, seq, event, table_name, detail, at FROM _undo_trace ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceEvent
	for rows.Next() {
		var (
			ev TraceEvent
			at int64
		)
		if err := rows.Scan(&ev.TraceID, &ev.Seq, &ev.Event, &ev.Table, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.At = time.Unix(at, 0)
		out = append(out, ev)
	}
	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
