// Package undolog owns the append-only log table and the derived views
// that expose undo/redo frames to the session state machine and the
// driver. The views are the single source of truth for frame boundaries
// (spec §4.D, §9): nothing else recomputes (tstart, tend).
package undolog

import (
	"context"
	"database/sql"
	"fmt"
)

// Table is the name of the append-only log table (spec §6 reserved name).
const Table = "_undo"

// Kind is a frame marker value.
type Kind string

const (
	Undo Kind = "U"
	Redo Kind = "R"
)

func (k Kind) other() Kind {
	if k == Undo {
		return Redo
	}
	return Undo
}

// Execer is the subset of *sql.DB / *sql.Conn this package needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// schemaDDL creates the log table and the stack views described in spec
// §3.1/§4.D. tend is computed as the next marker's rowid minus one, or
// MAX(rowid) if no later marker exists — so the currently-open frame
// implicitly extends to "the rest of the log".
const schemaDDL = `
CREATE TEMP TABLE IF NOT EXISTS ` + Table + `(sql TEXT);

CREATE TEMP VIEW IF NOT EXISTS _undo_frames AS
SELECT
	rowid AS tstart,
	sql AS status,
	COALESCE(
		(SELECT MIN(rowid) - 1 FROM ` + Table + ` later
		 WHERE later.rowid > outer_.rowid AND later.sql IN ('U','R')),
		(SELECT MAX(rowid) FROM ` + Table + `)
	) AS tend
FROM ` + Table + ` outer_
WHERE sql IN ('U', 'R');

CREATE TEMP VIEW IF NOT EXISTS undo_stack AS
SELECT tstart, tend FROM _undo_frames WHERE status = 'U' ORDER BY tstart DESC;

CREATE TEMP VIEW IF NOT EXISTS redo_stack AS
SELECT tstart, tend FROM _undo_frames WHERE status = 'R' ORDER BY tstart DESC;

CREATE TEMP VIEW IF NOT EXISTS undo_stack_top AS
SELECT tstart, tend FROM undo_stack LIMIT 1;

CREATE TEMP VIEW IF NOT EXISTS redo_stack_top AS
SELECT tstart, tend FROM redo_stack LIMIT 1;

CREATE TEMP VIEW IF NOT EXISTS redo_row_ids AS
SELECT l.rowid AS rowid
FROM ` + Table + ` l, redo_stack s
WHERE l.rowid >= s.tstart AND l.rowid <= s.tend;
`

// Init creates the log table and its views. Safe to call more than once
// per connection (every object is IF NOT EXISTS).
func Init(ctx context.Context, db Execer) error {
	_, err := db.ExecContext(ctx, schemaDDL)
	return err
}

// Frame is a contiguous range of log rows (tstart, tend] as defined in
// spec §3.1: the row at tstart is the marker, rows in (tstart, tend] are
// its payload.
type Frame struct {
	TStart int64
	TEnd   int64
}

// Empty reports whether the frame has no payload rows — a marker with
// nothing following it, e.g. a session that made no modifications
// (spec §9, preserved: such a frame still occupies a stack slot).
func (f Frame) Empty() bool {
	return f.TEnd <= f.TStart
}

func topView(k Kind) string {
	if k == Undo {
		return "undo_stack_top"
	}
	return "redo_stack_top"
}

func stackView(k Kind) string {
	if k == Undo {
		return "undo_stack"
	}
	return "redo_stack"
}

// Top returns the top frame of the given stack, or ok=false if the stack
// is empty.
func Top(ctx context.Context, db Execer, k Kind) (f Frame, ok bool, err error) {
	row := db.QueryRowContext(ctx, `SELECT tstart, tend FROM `+topView(k))
	err = row.Scan(&f.TStart, &f.TEnd)
	if err == sql.ErrNoRows {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

// Depth reports the number of frames on the given stack — the stack
// depth the external interface reports, counted in frames, not rows
// (spec §4.E's "UNDO=<u>\nREDO=<r>").
func Depth(ctx context.Context, db Execer, k Kind) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+stackView(k)).Scan(&n)
	return n, err
}

// Payload reads a frame's payload rows, in row-identity order.
func Payload(ctx context.Context, db Execer, f Frame) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sql FROM `+Table+` WHERE rowid > ? AND rowid <= ? ORDER BY rowid`,
		f.TStart, f.TEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendMarker appends a fresh 'U' or 'R' marker row, opening a new frame
// at the tail of the log.
func AppendMarker(ctx context.Context, db Execer, k Kind) error {
	_, err := db.ExecContext(ctx, `INSERT INTO `+Table+`(sql) VALUES (?)`, string(k))
	return err
}

// DeleteFrame removes a frame's marker and payload rows wholesale.
func DeleteFrame(ctx context.Context, db Execer, f Frame) error {
	_, err := db.ExecContext(ctx, `DELETE FROM `+Table+` WHERE rowid >= ? AND rowid <= ?`, f.TStart, f.TEnd)
	return err
}

// DeleteRedoHistory erases every 'R' frame and its payload (spec
// invariant 5: a fresh undoable session invalidates all redo history).
func DeleteRedoHistory(ctx context.Context, db Execer) error {
	_, err := db.ExecContext(ctx, `DELETE FROM `+Table+` WHERE rowid IN (SELECT rowid FROM redo_row_ids)`)
	return err
}

// Status renders the "UNDO=<u>\nREDO=<r>" summary shared by begin/end and
// the driver's output (spec §4.E, §4.F).
func Status(ctx context.Context, db Execer) (string, error) {
	u, err := Depth(ctx, db, Undo)
	if err != nil {
		return "", err
	}
	r, err := Depth(ctx, db, Redo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("UNDO=%d\nREDO=%d", u, r), nil
}
