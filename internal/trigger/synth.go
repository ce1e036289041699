// Package trigger combines schema introspection and inverse-statement
// generation into the batch of CREATE TRIGGER statements that make a table
// undoable, and installs that batch against the host.
package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/undoql/undoql/internal/inverse"
	"github.com/undoql/undoql/internal/schema"
)

// Granularity selects how UPDATE statements are tracked.
type Granularity int

const (
	GranularityNone Granularity = iota
	GranularityTable
	GranularityColumn
)

// ErrTableNameType is returned when the table-name argument arriving
// through the SQL-callable surface is not a text value (spec §7 error
// kind 1, §8 scenario 5: `undoable_table(42, 2)`).
var ErrTableNameType = errors.New("Table name must be a text string")

// ErrInvalidGranularity is returned for any value outside {0, 1, 2}.
var ErrInvalidGranularity = errors.New("Invalid update_type. Valid values:\n0: None\n1: Table\n2: Column")

// ErrInstallFailed wraps a failure to introspect or synthesize triggers;
// per spec this is reported as a single flat message, not the underlying
// cause.
var ErrInstallFailed = errors.New("Failed to create triggers")

// ParseGranularity validates the external 0/1/2 argument.
func ParseGranularity(v int) (Granularity, error) {
	switch Granularity(v) {
	case GranularityNone, GranularityTable, GranularityColumn:
		return Granularity(v), nil
	default:
		return 0, ErrInvalidGranularity
	}
}

// Execer is the subset of *sql.DB / *sql.Conn the synthesizer needs to
// introspect and install triggers.
type Execer interface {
	schema.Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TriggerPrefix is the reserved naming prefix for every trigger this
// package creates (spec §4.C / §6).
const TriggerPrefix = "_u_"

// LogTable is the name of the append-only undo log table.
const LogTable = "_undo"

// Names returns the trigger object names that MakeUndoable would create
// for table under granularity, without touching the database. Used by the
// table registry to record what it installed and by tests.
func Names(table string, granularity Granularity, cols []schema.Column) []string {
	names := []string{TriggerPrefix + table + "_i", TriggerPrefix + table + "_d"}
	switch granularity {
	case GranularityTable:
		names = append(names, TriggerPrefix+table+"_u")
	case GranularityColumn:
		for _, c := range cols {
			if !c.IsKey {
				names = append(names, TriggerPrefix+table+"_u_"+c.Name)
			}
		}
	}
	return names
}

// MakeUndoable introspects table and installs the INSERT/DELETE/UPDATE
// triggers appropriate to granularity, as one batch executed against db.
// Introspection failure or an empty column list is reported as
// ErrInstallFailed; installation failure (e.g. the trigger names already
// exist) surfaces the host's error unchanged, per spec §4.C / §7.
func MakeUndoable(ctx context.Context, db Execer, table string, granularity Granularity) ([]schema.Column, error) {
	cols, err := schema.ColumnsOf(ctx, db, table)
	if err != nil || len(cols) == 0 {
		return nil, ErrInstallFailed
	}

	var batch strings.Builder
	batch.WriteString(inverse.InsertTrigger(LogTable, TriggerPrefix, table))
	batch.WriteString(inverse.DeleteTrigger(LogTable, TriggerPrefix, table, cols))

	switch granularity {
	case GranularityTable:
		batch.WriteString(inverse.UpdateTableTrigger(LogTable, TriggerPrefix, table, cols))
	case GranularityColumn:
		for _, c := range cols {
			if c.IsKey {
				continue
			}
			batch.WriteString(inverse.UpdateColumnTrigger(LogTable, TriggerPrefix, table, c))
		}
	case GranularityNone:
		// no UPDATE trigger installed
	}

	if _, err := db.ExecContext(ctx, batch.String()); err != nil {
		return nil, fmt.Errorf("install triggers for %s: %w", table, err)
	}

	return cols, nil
}
