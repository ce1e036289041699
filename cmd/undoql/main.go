// undoql - undo/redo engine for SQLite
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/undoql/undoql/internal/engine"
	"github.com/undoql/undoql/internal/shell"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		dbPath      = flag.String("db", "", "Database path (default: in-memory)")
		historyPath = flag.String("history", "", "Readline history file (default: ~/.undoql_history)")
		configPath  = flag.String("config", "", "KEY=VALUE file seeding _undo_config, hot-reloaded on write")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `undoql v%s - undo/redo engine for SQLite

Usage: undoql [options]

Options:
`, version)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  undoql                      Start an in-memory session
  undoql --db ./app.db        Open an on-disk database
  undoql --config ./undoql.conf   Seed and hot-reload engine settings
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("undoql v%s\n", version)
		return
	}

	eng, err := engine.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := eng.WatchConfigFile(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		eng.Close()
		os.Exit(1)
	}

	history := *historyPath
	if history == "" {
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, ".undoql_history")
		}
	}

	sh, err := shell.New(eng, history)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		eng.Close()
		os.Exit(1)
	}

	if err := sh.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		eng.Close()
		os.Exit(1)
	}
}
