package registry

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	reg, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok, err := reg.Lookup(ctx, "t"); err != nil || ok {
		t.Fatalf("expected no registration yet, ok=%v err=%v", ok, err)
	}

	if err := reg.Register(ctx, "t", 2, []string{"_u_t_i", "_u_t_d", "_u_t_u_v"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok, err := reg.Lookup(ctx, "t")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected registration to be found")
	}
	if got.Granularity != 2 || len(got.TriggerNames) != 3 {
		t.Fatalf("unexpected registration: %+v", got)
	}
}

func TestListOrdersByName(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reg, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, table := range []string{"zeta", "alpha", "mu"} {
		if err := reg.Register(ctx, table, 0, []string{"_u_" + table + "_i"}); err != nil {
			t.Fatalf("Register(%s): %v", table, err)
		}
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].Table != "alpha" || list[2].Table != "zeta" {
		t.Fatalf("expected alphabetical order, got %+v", list)
	}
}

func TestTraceRecordsInChronologicalOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reg, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := reg.Trace(ctx, "begin", "t", "opened"); err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if err := reg.Trace(ctx, "end", "t", "UNDO=1\nREDO=0"); err != nil {
		t.Fatalf("Trace: %v", err)
	}

	events, err := reg.RecentTrace(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrace: %v", err)
	}
	if len(events) != 2 || events[0].Event != "begin" || events[1].Event != "end" {
		t.Fatalf("expected chronological [begin, end], got %+v", events)
	}
}
