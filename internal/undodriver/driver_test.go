package undodriver

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/undoql/undoql/internal/activeflag"
	"github.com/undoql/undoql/internal/trigger"
	"github.com/undoql/undoql/internal/undolog"
	"github.com/undoql/undoql/internal/undosession"
	_ "modernc.org/sqlite"
)

type testEngine struct {
	conn *sql.Conn
	sess *undosession.Session
	drv  *Driver
}

func newTestEngine(t *testing.T, granularity trigger.Granularity) *testEngine {
	t.Helper()
	if err := activeflag.Register(); err != nil {
		t.Fatalf("register activeflag: %v", err)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	if err := undolog.Init(ctx, conn); err != nil {
		t.Fatalf("undolog.Init: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `CREATE TABLE t(id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := trigger.MakeUndoable(ctx, conn, "t", granularity); err != nil {
		t.Fatalf("MakeUndoable: %v", err)
	}
	activeflag.Set(false)
	t.Cleanup(func() { activeflag.Set(false) })

	return &testEngine{conn: conn, sess: undosession.New(conn, nil), drv: New(conn, nil)}
}

func scalar(t *testing.T, conn *sql.Conn, query string, args ...any) string {
	t.Helper()
	var v sql.NullString
	if err := conn.QueryRowContext(context.Background(), query, args...).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return ""
		}
		t.Fatalf("query %q: %v", query, err)
	}
	return v.String
}

// Scenario 1 from spec §8: insert, undo, redo.
func TestUndoRedoInsertRoundTrip(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if err := e.sess.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := e.conn.ExecContext(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	status, err := e.sess.End(ctx)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if status != "UNDO=1\nREDO=0" {
		t.Fatalf("unexpected status after insert session: %q", status)
	}

	res, err := e.drv.Step(ctx, Undo)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if res == nil {
		t.Fatal("expected a frame to undo")
	}
	if !strings.Contains(res.SQL, "DELETE FROM t WHERE rowid=1") {
		t.Fatalf("unexpected undo payload: %q", res.SQL)
	}
	if scalar(t, e.conn, `SELECT v FROM t WHERE id=1`) != "" {
		t.Fatalf("expected row 1 gone after undo")
	}
	if res.Status != "UNDO=0\nREDO=1" {
		t.Fatalf("unexpected stack depths after undo: %q", res.Status)
	}

	res, err = e.drv.Step(ctx, Redo)
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if res == nil {
		t.Fatal("expected a frame to redo")
	}
	if scalar(t, e.conn, `SELECT v FROM t WHERE id=1`) != "a" {
		t.Fatalf("expected row 1 restored after redo")
	}
	if res.Status != "UNDO=1\nREDO=0" {
		t.Fatalf("unexpected stack depths after redo: %q", res.Status)
	}
}

// Scenario 2: update.
func TestUndoUpdateRestoresPreviousValue(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	status, err := e.sess.Do(ctx, `UPDATE t SET v='b' WHERE id=1`)
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if status != "UNDO=2\nREDO=0" {
		t.Fatalf("unexpected status: %q", status)
	}

	res, err := e.drv.Step(ctx, Undo)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if res.SQL != "UPDATE t SET v='a' WHERE rowid=1;" {
		t.Fatalf("unexpected undo payload: %q", res.SQL)
	}
	if scalar(t, e.conn, `SELECT v FROM t WHERE id=1`) != "a" {
		t.Fatalf("expected value restored to 'a'")
	}
}

// Scenario 3: delete, undo resurrects the row with its original rowid.
func TestUndoDeleteResurrectsRow(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if _, err := e.sess.Do(ctx, `DELETE FROM t WHERE id=1`); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := e.drv.Step(ctx, Undo); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if scalar(t, e.conn, `SELECT v FROM t WHERE id=1`) != "a" {
		t.Fatalf("expected row 1 resurrected with original key and value")
	}
}

// Scenario 4: a fresh session after an undo invalidates redo.
func TestFreshSessionInvalidatesRedo(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("session 1: %v", err)
	}
	if _, err := e.drv.Step(ctx, Undo); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(2,'b')`); err != nil {
		t.Fatalf("session 2: %v", err)
	}

	res, err := e.drv.Step(ctx, Redo)
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if res != nil {
		t.Fatalf("expected redo stack empty after fresh session, got %+v", res)
	}
}

// Symmetry: undo(); redo() is a no-op on stack depths and database state.
func TestUndoRedoSymmetry(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityTable)
	ctx := context.Background()

	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := e.sess.Do(ctx, `UPDATE t SET v='b' WHERE id=1`); err != nil {
		t.Fatalf("update: %v", err)
	}

	before, err := undolog.Status(ctx, e.conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if _, err := e.drv.Step(ctx, Undo); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := e.drv.Step(ctx, Redo); err != nil {
		t.Fatalf("redo: %v", err)
	}

	after, err := undolog.Status(ctx, e.conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if before != after {
		t.Fatalf("expected symmetric stack depths: before=%q after=%q", before, after)
	}
	if scalar(t, e.conn, `SELECT v FROM t WHERE id=1`) != "b" {
		t.Fatalf("expected database state restored after undo;redo")
	}
}

// Non-recursion: undo/redo never grows the opposite stack by more than
// one frame.
func TestNonRecursion(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if _, err := e.sess.Do(ctx, `INSERT INTO t VALUES(1,'a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	undoDepthBefore, err := undolog.Depth(ctx, e.conn, undolog.Undo)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}

	if _, err := e.drv.Step(ctx, Undo); err != nil {
		t.Fatalf("undo: %v", err)
	}

	redoDepth, err := undolog.Depth(ctx, e.conn, undolog.Redo)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if redoDepth != 1 {
		t.Fatalf("expected exactly one redo frame, got %d", redoDepth)
	}
	undoDepthAfter, err := undolog.Depth(ctx, e.conn, undolog.Undo)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if undoDepthAfter != undoDepthBefore-1 {
		t.Fatalf("undo stack should shrink by exactly one frame, before=%d after=%d", undoDepthBefore, undoDepthAfter)
	}
}

func TestStepOnEmptyStackReturnsNil(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	res, err := e.drv.Step(ctx, Undo)
	if err != nil {
		t.Fatalf("undo on empty stack: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result on empty stack, got %+v", res)
	}
}

func TestZeroLengthFrameIsNoOpButStillPops(t *testing.T) {
	e := newTestEngine(t, trigger.GranularityColumn)
	ctx := context.Background()

	if err := e.sess.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := e.sess.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	res, err := e.drv.Step(ctx, Undo)
	if err != nil {
		t.Fatalf("undo on empty frame: %v", err)
	}
	if res == nil {
		t.Fatalf("expected the empty frame to still be popped")
	}
	if res.SQL != "" {
		t.Fatalf("expected empty payload, got %q", res.SQL)
	}
}
