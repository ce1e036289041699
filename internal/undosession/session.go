// Package undosession implements the begin/end framing of user undoable
// sessions: the Idle/Open/Replaying state machine of spec §4.E.
//
// Grounded on the teacher's internal/session.Manager (lifecycle framing
// around a single *core.Engine, one owned piece of mutable state, SQL
// driving everything) but replacing "conversation session" state with
// "open undo frame" state.
package undosession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/undoql/undoql/internal/activeflag"
	"github.com/undoql/undoql/internal/undolog"
)

// Errors, exact wording per spec §7.
var (
	ErrActive       = errors.New("Undoable is active")
	ErrNotActive    = errors.New("Undoable is not active")
	ErrRolledBack   = errors.New("A ROLLBACK occurred")
	ErrCommitFailed = errors.New("COMMIT failed")

	// ErrSQLType is returned when the sql argument arriving through the
	// `undoable(sql)` SQL-callable entry point is not a text value (spec
	// §7 error kind 1's sibling check, by analogy with
	// ErrTableNameType).
	ErrSQLType = errors.New("SQL must be a text string")
)

// Tracer records the audit trail of begin/end activity (SPEC_FULL §4.H).
// Tracing is pure observability: a nil Tracer, or a Trace call that
// itself fails, never affects session correctness.
type Tracer interface {
	Trace(ctx context.Context, event, table, detail string) error
}

// Conn is the single dedicated connection the session frames its
// transactions on. Using one *sql.Conn (rather than database/sql's
// pooled *sql.DB) keeps the BEGIN issued by Begin and the COMMIT issued by
// End on the same logical connection, which plain *sql.Tx cannot do
// while also letting ordinary Exec calls run against it mid-transaction.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session is the undoable-session state machine bound to one connection.
// It is not safe for concurrent use — spec §5 models one connection as
// single-threaded.
type Session struct {
	conn   Conn
	tracer Tracer
	open   bool
}

// New binds a session state machine to conn. conn must be the engine's
// single dedicated connection, the same one the generated triggers write
// through. tracer may be nil, in which case begin/end activity is not
// recorded anywhere.
func New(conn Conn, tracer Tracer) *Session {
	return &Session{conn: conn, tracer: tracer}
}

func (s *Session) trace(ctx context.Context, event, detail string) {
	if s.tracer == nil {
		return
	}
	_ = s.tracer.Trace(ctx, event, "", detail)
}

// Active reports the activation flag as 0/1, matching `undoable_active()`
// (spec §4.E active_query / §6).
func (s *Session) Active() int {
	return activeflag.GetInt()
}

// Begin opens a user undoable session (spec §4.E open()):
//  1. begin a host transaction
//  2. delete every row belonging to a redo frame (invariant 5)
//  3. append a 'U' marker
//  4. turn capture on
//
// Any failure here rolls back and leaves the activation flag untouched.
func (s *Session) Begin(ctx context.Context) error {
	if s.open || activeflag.Get() {
		return ErrActive
	}

	if _, err := s.conn.ExecContext(ctx, `BEGIN`); err != nil {
		return err
	}

	if err := undolog.DeleteRedoHistory(ctx, s.conn); err != nil {
		s.rollback(ctx)
		return err
	}
	if err := undolog.AppendMarker(ctx, s.conn, undolog.Undo); err != nil {
		s.rollback(ctx)
		return err
	}

	s.open = true
	activeflag.Set(true)
	s.trace(ctx, "begin", "")
	return nil
}

// End closes the session (spec §4.E close()): stop capturing, commit, and
// report the resulting stack depths. If the host transaction is no
// longer live (an out-of-band ROLLBACK happened mid-session), the partial
// frame is discarded along with the rest of the aborted transaction and
// ErrRolledBack is returned.
func (s *Session) End(ctx context.Context) (string, error) {
	if !s.open {
		return "", ErrNotActive
	}

	activeflag.Set(false)
	s.open = false

	if _, err := s.conn.ExecContext(ctx, `COMMIT`); err != nil {
		// The host reports the transaction already gone (e.g. an
		// interrupt or constraint failure forced an implicit
		// rollback) — surface the specific error spec §7 names.
		return "", fmt.Errorf("%w: %v", ErrRolledBack, err)
	}

	status, err := undolog.Status(ctx, s.conn)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	s.trace(ctx, "end", status)
	return status, nil
}

// Do runs sql as a single undoable session: Begin, exec, End, with proper
// error propagation (spec §4.E `undoable(sql)`). On a failure from sql
// itself the session is still closed so the engine doesn't wedge in the
// Open state.
func (s *Session) Do(ctx context.Context, sql string) (string, error) {
	if err := s.Begin(ctx); err != nil {
		return "", err
	}

	if _, execErr := s.conn.ExecContext(ctx, sql); execErr != nil {
		activeflag.Set(false)
		s.open = false
		s.rollback(ctx)
		return "", execErr
	}

	return s.End(ctx)
}

func (s *Session) rollback(ctx context.Context) {
	_, _ = s.conn.ExecContext(ctx, `ROLLBACK`)
}
