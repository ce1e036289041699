// Package activeflag is the session activation flag shared by every
// generated trigger's WHEN clause, the session state machine, and the
// undo/redo driver.
//
// Per the design note in spec §9, the flag is modelled as process-local
// memory exposed through a callable SQL function (option (a): "simpler
// and avoids an extra query per trigger fire") rather than a one-row
// table. It is registered once, process-wide, exactly as the original C
// extension kept a single global int — the engine supports one active
// connection at a time (spec §5), so a package-level flag is sufficient
// and is what every generated `WHEN (SELECT undoable_active())=1` clause
// resolves against.
package activeflag

import (
	"database/sql/driver"
	"sync"
	"sync/atomic"

	"modernc.org/sqlite"
)

var (
	registerOnce sync.Once
	registerErr  error
	active       atomic.Bool
)

// FunctionName is the SQL-callable name triggers and external callers use
// to read the flag (spec §6: `undoable_active()`).
const FunctionName = "undoable_active"

// Register installs the undoable_active() scalar function with the host
// driver. Safe to call repeatedly; registration happens at most once.
func Register() error {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterScalarFunction(FunctionName, 0,
			func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				if active.Load() {
					return int64(1), nil
				}
				return int64(0), nil
			})
	})
	return registerErr
}

// Set turns capture on or off.
func Set(on bool) {
	active.Store(on)
}

// Get reports the current activation state. Used by the `undoable_active()`
// Go-method surface (spec §6).
func Get() bool {
	return active.Load()
}

// GetInt reports the flag as 0/1, the same shape the SQL function and
// `active_query()` (spec §4.E) return.
func GetInt() int {
	if active.Load() {
		return 1
	}
	return 0
}
