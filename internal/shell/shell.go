// Package shell provides the interactive undoql REPL: a readline-backed
// loop that dispatches a small set of dot-commands (.table, .begin, .end,
// .undo, .redo, .trace, .active, .tables, .quit) and otherwise passes
// the line straight through to the host as SQL.
//
// Grounded on the teacher's internal/ui.Chat: the same readline setup,
// signal handling, and one-shutdown-path loop, narrowed from natural-
// language intent parsing down to exact-match dot-commands, since this
// REPL drives a deterministic SQL engine rather than an LLM conversation.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/undoql/undoql/internal/engine"
	"github.com/undoql/undoql/internal/trigger"
	"github.com/undoql/undoql/internal/undodriver"
)

// Shell is the interactive undoql REPL.
type Shell struct {
	engine *engine.Engine
	rl     *readline.Instance
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// New wires a Shell to eng, setting up the readline instance with
// history under historyPath (e.g. "~/.undoql_history").
func New(eng *engine.Engine, historyPath string) (*Shell, error) {
	ctx, cancel := context.WithCancel(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mundoql>\033[0m ",
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("readline: %w", err)
	}

	return &Shell{engine: eng, rl: rl, ctx: ctx, cancel: cancel}, nil
}

// Run starts the read-eval-print loop; it returns on EOF. Ctrl-C at the
// prompt is ignored, SIGINT/SIGTERM delivered to the process close the
// readline instance, and .quit/.exit end the process directly.
func (s *Shell) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.shutdown()
	}()

	s.printWelcome()

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := s.dispatch(line); err != nil {
			fmt.Printf("\033[31mError: %v\033[0m\n", err)
		}
	}

	s.shutdown()
	return nil
}

func (s *Shell) dispatch(line string) error {
	if !strings.HasPrefix(line, ".") {
		return s.execSQL(line)
	}

	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case ".quit", ".exit":
		s.shutdown()
		os.Exit(0)
		return nil

	case ".help":
		s.printHelp()
		return nil

	case ".tables":
		return s.cmdTables()

	case ".table":
		return s.cmdTable(args)

	case ".begin":
		return s.cmdBegin()

	case ".end":
		return s.cmdEnd()

	case ".undo":
		return s.cmdStep(undodriver.Undo)

	case ".redo":
		return s.cmdStep(undodriver.Redo)

	case ".active":
		fmt.Println(s.engine.Session.Active())
		return nil

	case ".trace":
		return s.cmdTrace(args)

	default:
		return fmt.Errorf("unknown command %q (try .help)", cmd)
	}
}

// cmdTable handles ".table NAME [GRANULARITY]", defaulting GRANULARITY
// to 2 (column), the finest level, matching the CLI's "undoable by
// default tracks everything" posture.
func (s *Shell) cmdTable(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: .table NAME [0|1|2]")
	}

	granularity := trigger.GranularityColumn
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("granularity must be 0, 1, or 2: %w", err)
		}
		granularity, err = trigger.ParseGranularity(n)
		if err != nil {
			return err
		}
	}

	if err := s.engine.MakeUndoable(s.ctx, args[0], granularity); err != nil {
		return err
	}
	fmt.Printf("%s is now undoable (granularity=%d)\n", args[0], granularity)
	return nil
}

func (s *Shell) cmdTables() error {
	regs, err := s.engine.Registry.List(s.ctx)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		fmt.Println("(no undoable tables)")
		return nil
	}
	for _, r := range regs {
		fmt.Printf("%-24s granularity=%d triggers=%d\n", r.Table, r.Granularity, len(r.TriggerNames))
	}
	return nil
}

func (s *Shell) cmdBegin() error {
	if err := s.engine.Session.Begin(s.ctx); err != nil {
		return err
	}
	fmt.Println("undoable session open")
	return nil
}

func (s *Shell) cmdEnd() error {
	status, err := s.engine.Session.End(s.ctx)
	if err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

func (s *Shell) cmdStep(dir undodriver.Direction) error {
	res, err := s.engine.Driver.Step(s.ctx, dir)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Println("(nothing to do)")
		return nil
	}
	fmt.Println(res.String())
	return nil
}

func (s *Shell) cmdTrace(args []string) error {
	limit := 20
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			limit = n
		}
	}
	events, err := s.engine.Registry.RecentTrace(s.ctx, limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-16s %-16s %s\n", ev.At.Format("15:04:05"), ev.Event, ev.Table, ev.Detail)
	}
	return nil
}

// execSQL runs an arbitrary statement against the engine's dedicated
// connection, outside any undo session, exactly as a raw sqlite3 shell
// would (writes here are not captured unless a session is already open).
func (s *Shell) execSQL(text string) error {
	rows, err := s.engine.Conn().QueryContext(s.ctx, text)
	if err != nil {
		_, execErr := s.engine.Conn().ExecContext(s.ctx, text)
		return execErr
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	scanDest := make([]any, len(cols))
	for i := range values {
		scanDest[i] = &values[i]
	}

	fmt.Println(strings.Join(cols, "|"))
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return err
		}
		parts := make([]string, len(cols))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%v", v)
		}
		fmt.Println(strings.Join(parts, "|"))
	}
	return rows.Err()
}

func (s *Shell) printWelcome() {
	fmt.Println("undoql — undo/redo for SQLite. Type .help for commands.")
}

func (s *Shell) printHelp() {
	fmt.Print(`Commands:
  .table NAME [0|1|2]   make NAME undoable (0=none, 1=table, 2=column)
  .tables               list undoable tables
  .begin                open an undoable session
  .end                  close the open session
  .undo                 undo the top frame
  .redo                 redo the top frame
  .active               print the activation flag (0 or 1)
  .trace [N]            show the last N audit events (default 20)
  .quit                  exit
Anything else is run as SQL against the database.
`)
}

func (s *Shell) shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.rl.Close()
	})
}
