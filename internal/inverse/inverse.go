// Package inverse builds the SQL text of the trigger bodies that capture
// inverse DML statements into the undo log. It is pure string construction
// against a column list — it never talks to the database itself.
//
// Each function here returns the text of exactly one CREATE TRIGGER
// statement. The bodies append a row to the log table (logTable) by
// evaluating a concatenation expression of literal fragments and
// quote(OLD.col)/OLD.rowid references, so the actual value substitution
// happens when the trigger fires, not when this package runs. Nothing in
// the log depends on parameter binding at replay time.
package inverse

import (
	"fmt"
	"strings"

	"github.com/undoql/undoql/internal/schema"
)

// WhenActive is the guard every generated trigger carries so capture is a
// no-op unless the session state machine has turned it on.
const WhenActive = `(SELECT undoable_active())=1`

// exprBuilder assembles a SQLite `'lit'||expr||'lit'...` concatenation
// expression out of alternating literal and live fragments.
type exprBuilder struct {
	parts []string
}

func (b *exprBuilder) lit(s string) {
	b.parts = append(b.parts, "'"+strings.ReplaceAll(s, "'", "''")+"'")
}

func (b *exprBuilder) expr(s string) {
	b.parts = append(b.parts, s)
}

func (b *exprBuilder) build() string {
	return strings.Join(b.parts, "||")
}

// nonKeyColumns returns cols with primary-key members removed, preserving
// order.
func nonKeyColumns(cols []schema.Column) []schema.Column {
	out := make([]schema.Column, 0, len(cols))
	for _, c := range cols {
		if !c.IsKey {
			out = append(out, c)
		}
	}
	return out
}

func wrapTrigger(name, event, table, when, logTable, valueExpr string) string {
	return fmt.Sprintf(
		`CREATE TEMP TRIGGER %s %s ON %s WHEN %s BEGIN `+
			`INSERT INTO %s(sql) VALUES (%s); `+
			`END;`,
		name, event, table, when, logTable, valueExpr,
	)
}

// InsertTrigger emits the AFTER INSERT trigger whose inverse is a DELETE
// keyed by rowid.
func InsertTrigger(logTable, triggerPrefix, table string) string {
	name := triggerPrefix + table + "_i"

	var b exprBuilder
	b.lit("DELETE FROM " + table + " WHERE rowid=")
	b.expr("NEW.rowid")
	b.lit(";")

	return wrapTrigger(name, "AFTER INSERT", table, WhenActive, logTable, b.build())
}

// DeleteTrigger emits the BEFORE DELETE trigger (so OLD is still visible)
// whose inverse is an INSERT that resurrects the full row, including its
// primary-key columns so the resurrected row keeps its original key.
func DeleteTrigger(logTable, triggerPrefix, table string, cols []schema.Column) string {
	name := triggerPrefix + table + "_d"

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var b exprBuilder
	b.lit("INSERT INTO " + table + "(rowid," + strings.Join(names, ",") + ") VALUES(")
	b.expr("OLD.rowid")
	for _, c := range cols {
		b.lit(",")
		b.expr("quote(OLD." + c.Name + ")")
	}
	b.lit(");")

	return wrapTrigger(name, "BEFORE DELETE", table, WhenActive, logTable, b.build())
}

// UpdateTableTrigger emits the single AFTER UPDATE trigger used under
// table-granularity tracking: one inverse row per UPDATE statement,
// restoring every non-key column. Primary-key columns never appear in the
// SET-list.
func UpdateTableTrigger(logTable, triggerPrefix, table string, cols []schema.Column) string {
	name := triggerPrefix + table + "_u"
	nonKey := nonKeyColumns(cols)

	var b exprBuilder
	b.lit("UPDATE " + table + " SET ")
	for i, c := range nonKey {
		if i > 0 {
			b.lit(",")
		}
		b.lit(c.Name + "=")
		b.expr("quote(OLD." + c.Name + ")")
	}
	b.lit(" WHERE rowid=")
	b.expr("OLD.rowid")
	b.lit(";")

	return wrapTrigger(name, "AFTER UPDATE", table, WhenActive, logTable, b.build())
}

// UpdateColumnTrigger emits one AFTER UPDATE OF <column> trigger used under
// column-granularity tracking: one inverse row per touched column.
func UpdateColumnTrigger(logTable, triggerPrefix, table string, col schema.Column) string {
	name := triggerPrefix + table + "_u_" + col.Name

	var b exprBuilder
	b.lit("UPDATE " + table + " SET " + col.Name + "=")
	b.expr("quote(OLD." + col.Name + ")")
	b.lit(" WHERE rowid=")
	b.expr("OLD.rowid")
	b.lit(";")

	return wrapTrigger(name, "AFTER UPDATE OF "+col.Name, table, WhenActive, logTable, b.build())
}
