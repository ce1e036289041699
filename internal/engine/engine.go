// Package engine owns the host connection lifecycle: opening the
// database, bootstrapping the undo log and registry schemas, registering
// the SQL-callable function surface (spec §6), and the hot-reloadable
// engine configuration.
//
// Grounded on the teacher's internal/core.Engine (single *sql.DB, WAL
// pragmas, a ticker-driven config-version watcher, fsnotify file
// watching, Close/WAL-checkpoint) and on g960059-agtmux's
// internal/db.Store.Open (SetMaxOpenConns(1), the WAL/busy_timeout DSN
// idiom). Where the teacher's config table held LLM provider settings,
// this one holds undo-engine defaults (granularity, trace toggle).
package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"modernc.org/sqlite"

	"github.com/undoql/undoql/internal/activeflag"
	"github.com/undoql/undoql/internal/registry"
	"github.com/undoql/undoql/internal/trigger"
	"github.com/undoql/undoql/internal/undodriver"
	"github.com/undoql/undoql/internal/undolog"
	"github.com/undoql/undoql/internal/undosession"
)

const configSchemaDDL = `
CREATE TABLE IF NOT EXISTS _undo_config(
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO _undo_config(key, value) VALUES
	('default_granularity', '1'),
	('trace_enabled', 'true');
`

// Engine is the connection-scoped facade over every component in spec §4:
// schema introspection and trigger synthesis (A–C) on demand via
// MakeUndoable, the log store (D) bootstrapped at Open, the session state
// machine (E) and driver (F) bound to one dedicated connection, plus the
// table registry/audit trail (H).
type Engine struct {
	db   *sql.DB
	conn *sql.Conn // dedicated connection: all framing and trigger-firing DML runs here

	Session  *undosession.Session
	Driver   *undodriver.Driver
	Registry *registry.Registry

	mu       sync.RWMutex
	watchers []func(event string)
	ctx      context.Context
	cancel   context.CancelFunc

	configVersion int64
	reloadCh      chan struct{}
}

// Open opens path (or an in-memory database if path is empty) as the
// engine's single logical connection, bootstraps the undo log, registry,
// and config schemas, and registers the SQL-callable function surface.
func Open(path string) (*Engine, error) {
	if path == "" {
		path = ":memory:"
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The activation flag, the open transaction, and the trigger WHEN
	// clauses they gate are only meaningful under a single logical
	// connection (spec §5) — never let the pool hand out a second one.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	conn, err := db.Conn(ctx)
	if err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("reserve connection: %w", err)
	}

	if err := activeflag.Register(); err != nil {
		conn.Close()
		cancel()
		db.Close()
		return nil, fmt.Errorf("register activeflag function: %w", err)
	}
	if err := registerOperations(); err != nil {
		conn.Close()
		cancel()
		db.Close()
		return nil, fmt.Errorf("register undoql functions: %w", err)
	}
	if err := undolog.Init(ctx, conn); err != nil {
		conn.Close()
		cancel()
		db.Close()
		return nil, fmt.Errorf("init undo log: %w", err)
	}
	if _, err := conn.ExecContext(ctx, configSchemaDDL); err != nil {
		conn.Close()
		cancel()
		db.Close()
		return nil, fmt.Errorf("init config: %w", err)
	}
	reg, err := registry.New(ctx, conn)
	if err != nil {
		conn.Close()
		cancel()
		db.Close()
		return nil, fmt.Errorf("init registry: %w", err)
	}

	e := &Engine{
		db:       db,
		conn:     conn,
		Session:  undosession.New(conn, reg),
		Driver:   undodriver.New(conn, reg),
		Registry: reg,
		ctx:      ctx,
		cancel:   cancel,
		reloadCh: make(chan struct{}, 1),
	}

	setCurrent(e)
	go e.watchConfig()

	return e, nil
}

// DB returns the underlying pooled handle. The pool holds at most one
// connection, and Conn keeps that connection reserved while the engine is
// open; the shell's arbitrary-SQL path runs on Conn, not here.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Conn returns the engine's single dedicated connection, the one
// undoable DML and the driver's replay must run on so triggers observe a
// consistent activation flag and transaction boundary.
func (e *Engine) Conn() *sql.Conn {
	return e.conn
}

// MakeUndoable installs triggers for table at the given granularity
// (spec §4.C) and records the registration. Re-registering an
// already-registered table is refused with an error before any trigger
// is created, rather than silently replacing its triggers (spec §4.C's
// "not silently replace").
func (e *Engine) MakeUndoable(ctx context.Context, table string, granularity trigger.Granularity) error {
	if _, ok, err := e.Registry.Lookup(ctx, table); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("triggers already installed for %s (drop them first)", table)
	}

	cols, err := trigger.MakeUndoable(ctx, e.conn, table, granularity)
	if err != nil {
		return err
	}

	names := trigger.Names(table, granularity, cols)
	if err := e.Registry.Register(ctx, table, int(granularity), names); err != nil {
		return err
	}
	_ = e.Registry.Trace(ctx, "make_undoable", table, fmt.Sprintf("granularity=%d", granularity))
	return nil
}

// OnChange registers a callback invoked when the engine's hot-reloadable
// config changes.
func (e *Engine) OnChange(fn func(event string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers = append(e.watchers, fn)
}

func (e *Engine) notifyWatchers(event string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.watchers {
		go fn(event)
	}
}

// watchConfig polls _undo_config's max version and fans out a
// "config_changed" notification when it advances, the same
// ticker-over-MAX(version) idiom the teacher used for hot-reloading LLM
// provider settings. The notification reaches OnChange callbacks and
// ReloadCh; the shell registers no callback and its prompt is fixed.
func (e *Engine) watchConfig() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			var maxVersion int64
			if err := e.conn.QueryRowContext(e.ctx, `SELECT COALESCE(MAX(version), 0) FROM _undo_config`).Scan(&maxVersion); err != nil {
				continue
			}
			if maxVersion > e.configVersion {
				e.configVersion = maxVersion
				e.notifyWatchers("config_changed")
				select {
				case e.reloadCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

// ReloadCh reports when the hot-reloadable config changed.
func (e *Engine) ReloadCh() <-chan struct{} {
	return e.reloadCh
}

// Config retrieves a hot-reloadable engine setting.
func (e *Engine) Config(key string) (string, error) {
	var value string
	err := e.conn.QueryRowContext(e.ctx, `SELECT value FROM _undo_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig updates a hot-reloadable engine setting, bumping its version
// so watchConfig picks it up.
func (e *Engine) SetConfig(key, value string) error {
	_, err := e.conn.ExecContext(e.ctx, `
		INSERT INTO _undo_config(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = version + 1
	`, key, value)
	return err
}

// WatchFile watches an external config file (e.g. a seed file for
// _undo_config) and invokes callback on writes, mirroring the teacher's
// fsnotify-based hot-reload-from-file concern.
func (e *Engine) WatchFile(path string, callback func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-e.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					callback()
				}
			case <-watcher.Errors:
			}
		}
	}()

	return watcher.Add(path)
}

// Close shuts the engine down: checkpoint the WAL, release the dedicated
// connection, close the pool.
func (e *Engine) Close() error {
	clearCurrent(e)
	e.cancel()
	_, _ = e.conn.ExecContext(context.Background(), `PRAGMA wal_checkpoint(TRUNCATE)`)
	_ = e.conn.Close()
	return e.db.Close()
}

// fileExists reports whether path names an existing regular file; used by
// WatchConfigFile to decide whether to seed _undo_config before watching.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadConfigFile parses path as newline-separated KEY=VALUE pairs
// (blank lines and lines starting with '#' ignored) and writes each pair
// into _undo_config via SetConfig.
func (e *Engine) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := e.SetConfig(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return nil
}

// WatchConfigFile seeds _undo_config from path (if it already exists)
// then watches it for further writes, reloading on each one. This is the
// CLI-facing hook for the teacher's external-config hot-reload concern,
// repurposed from LLM provider settings to undo-engine settings
// (default granularity, trace toggle). A blank path is a no-op.
func (e *Engine) WatchConfigFile(path string) error {
	if path == "" {
		return nil
	}
	if fileExists(path) {
		if err := e.LoadConfigFile(path); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	return e.WatchFile(path, func() {
		_ = e.LoadConfigFile(path)
	})
}

// errNoEngine is returned by the registered SQL-callable functions when
// they fire outside the lifetime of an open *Engine (should not happen
// in normal operation, since registration and Open/Close are paired, but
// guards against a stray trigger fire during shutdown).
var errNoEngine = errors.New("no undoql engine is open")

var (
	currentMu sync.Mutex
	current   *Engine
)

func setCurrent(e *Engine) {
	currentMu.Lock()
	current = e
	currentMu.Unlock()
}

func clearCurrent(e *Engine) {
	currentMu.Lock()
	if current == e {
		current = nil
	}
	currentMu.Unlock()
}

func getCurrent() *Engine {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

var (
	registerOpsOnce sync.Once
	registerOpsErr  error
)

// registerOperations installs the six operational SQL-callable functions
// of spec §6 (`undoable_active()` is registered separately by
// internal/activeflag, since every generated trigger's WHEN clause needs
// it independent of whether an *Engine is open). Each handler dispatches
// to whichever *Engine is currently open via the package-level pointer,
// matching the C original's process-global function table
// (`sqlite3UndoInit`) registering once per process rather than once per
// connection.
func registerOperations() error {
	registerOpsOnce.Do(func() {
		for _, reg := range []struct {
			name string
			narg int32
			fn   func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error)
		}{
			{"undoable_table", 2, sqlUndoableTable},
			{"undoable_begin", 0, sqlUndoableBegin},
			{"undoable_end", 0, sqlUndoableEnd},
			{"undoable", 1, sqlUndoable},
			{"undo", 0, sqlUndo},
			{"redo", 0, sqlRedo},
		} {
			if err := sqlite.RegisterScalarFunction(reg.name, reg.narg, reg.fn); err != nil {
				registerOpsErr = fmt.Errorf("register %s: %w", reg.name, err)
				return
			}
		}
	})
	return registerOpsErr
}

// argString extracts a text argument, reporting typeErr if the driver
// handed back anything but a string (spec §7 error kind 1, §8 scenario 5).
func argString(v driver.Value, typeErr error) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", typeErr
	}
	return s, nil
}

func sqlUndoableTable(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	e := getCurrent()
	if e == nil {
		return nil, errNoEngine
	}
	table, err := argString(args[0], trigger.ErrTableNameType)
	if err != nil {
		return nil, err
	}

	var n int64
	switch v := args[1].(type) {
	case int64:
		n = v
	case float64:
		n = int64(v)
	default:
		return nil, trigger.ErrInvalidGranularity
	}
	granularity, err := trigger.ParseGranularity(int(n))
	if err != nil {
		return nil, err
	}

	if err := e.MakeUndoable(context.Background(), table, granularity); err != nil {
		return nil, err
	}
	return nil, nil
}

func sqlUndoableBegin(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
	e := getCurrent()
	if e == nil {
		return nil, errNoEngine
	}
	if err := e.Session.Begin(context.Background()); err != nil {
		return nil, err
	}
	return nil, nil
}

func sqlUndoableEnd(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
	e := getCurrent()
	if e == nil {
		return nil, errNoEngine
	}
	status, err := e.Session.End(context.Background())
	if err != nil {
		return nil, err
	}
	return status, nil
}

func sqlUndoable(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	e := getCurrent()
	if e == nil {
		return nil, errNoEngine
	}
	text, err := argString(args[0], undosession.ErrSQLType)
	if err != nil {
		return nil, err
	}
	status, err := e.Session.Do(context.Background(), text)
	if err != nil {
		return nil, err
	}
	return status, nil
}

func sqlUndo(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
	return stepResult(undodriver.Undo)
}

func sqlRedo(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
	return stepResult(undodriver.Redo)
}

// stepResult drives one undo/redo step and reports the spec §6 result:
// the status+payload string, SQL NULL if the stack was empty, or an
// error.
func stepResult(dir undodriver.Direction) (driver.Value, error) {
	e := getCurrent()
	if e == nil {
		return nil, errNoEngine
	}
	res, err := e.Driver.Step(context.Background(), dir)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.String(), nil
}
