// Package undodriver implements the undo/redo step: popping the top frame
// off one stack, replaying its inverse statements with capture enabled
// (so the triggers record the inverse-of-the-inverse as the new frame on
// the opposite stack), and reporting the result (spec §4.F).
package undodriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/undoql/undoql/internal/activeflag"
	"github.com/undoql/undoql/internal/undolog"
)

// Direction selects which stack to pop.
type Direction int

const (
	Undo Direction = iota
	Redo
)

func (d Direction) src() undolog.Kind {
	if d == Undo {
		return undolog.Undo
	}
	return undolog.Redo
}

func (d Direction) dst() undolog.Kind {
	return d.src().other()
}

// event is the audit-trail event name for dir (spec §6 undo()/redo()).
func (d Direction) event() string {
	if d == Undo {
		return "undo"
	}
	return "redo"
}

// Tracer records the audit trail of undo/redo replay activity
// (SPEC_FULL §4.H). Tracing is pure observability: a nil Tracer, or a
// Trace call that itself fails, never affects replay correctness.
type Tracer interface {
	Trace(ctx context.Context, event, table, detail string) error
}

// Conn is the single dedicated connection the driver frames its internal
// transaction on (see undosession.Conn for why a bare *sql.Tx won't do:
// the replay itself must run as a plain Exec on this same connection so
// the connection-local activation flag and the triggers it gates observe
// the same logical transaction).
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Driver executes undo/redo steps.
type Driver struct {
	conn   Conn
	tracer Tracer
}

// New binds a driver to conn, the engine's single dedicated connection.
// tracer may be nil, in which case undo/redo activity is not recorded
// anywhere.
func New(conn Conn, tracer Tracer) *Driver {
	return &Driver{conn: conn, tracer: tracer}
}

// Step pops the top frame from the stack named by dir, replays it with
// capture suppressed from the caller's perspective but enabled for the
// triggers (so they materialize the inverse-of-the-inverse onto the
// opposite stack), and returns the spec §4.F / §6 result string. A nil
// result with a nil error means the stack was empty — nothing to do.
func (d *Driver) Step(ctx context.Context, dir Direction) (*Result, error) {
	src, dst := dir.src(), dir.dst()

	frame, ok, err := undolog.Top(ctx, d.conn, src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	payload, err := undolog.Payload(ctx, d.conn, frame)
	if err != nil {
		return nil, err
	}
	sqlText := strings.Join(payload, "")

	if _, err := d.conn.ExecContext(ctx, `BEGIN`); err != nil {
		return nil, err
	}

	if err := undolog.DeleteFrame(ctx, d.conn, frame); err != nil {
		d.rollback(ctx)
		return nil, err
	}
	if err := undolog.AppendMarker(ctx, d.conn, dst); err != nil {
		d.rollback(ctx)
		return nil, err
	}

	activeflag.Set(true)
	_, execErr := d.conn.ExecContext(ctx, sqlText)
	activeflag.Set(false)

	if execErr != nil {
		d.rollback(ctx)
		return nil, execErr
	}

	if _, err := d.conn.ExecContext(ctx, `COMMIT`); err != nil {
		return nil, err
	}

	status, err := undolog.Status(ctx, d.conn)
	if err != nil {
		return nil, err
	}

	if d.tracer != nil {
		_ = d.tracer.Trace(ctx, dir.event(), "", status)
	}

	return &Result{Status: status, SQL: sqlText}, nil
}

func (d *Driver) rollback(ctx context.Context) {
	_, _ = d.conn.ExecContext(ctx, `ROLLBACK`)
}

// Result is the payload of a successful undo/redo step.
type Result struct {
	Status string // "UNDO=<u>\nREDO=<r>"
	SQL    string // the inverse statement(s) that were replayed
}

// String renders the full spec §4.F / §6 response:
// "UNDO=<u>\nREDO=<r>\nSQL=<payload>".
func (r *Result) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s\nSQL=%s", r.Status, r.SQL)
}
