package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	backend *store.SQLiteBackend
	store   *store.Store
	log     log15.Logger
}

// newApp sets up logging and opens the checkpoint database, creating the
// .ftd/ directory if using the default DB path.
func newApp() (*app, error) {
	log, err := newLogger(envOr("FTD_LOG", "info"))
	if err != nil {
		return nil, err
	}
	dbPath := envOr("FTD_DB", defaultDB)
	if dbPath == defaultDB {
		if err := os.MkdirAll(defaultDir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", defaultDir, err)
		}
	}
	b, err := store.NewSQLiteBackend(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	return &app{
		backend: b,
		store:   store.New(store.Config{Backend: b, Log: log.New("module", "store")}),
		log:     log,
	}, nil
}

// newLogger routes every log15 logger, including the component defaults,
// to stderr at the given level.
func newLogger(level string) (log15.Logger, error) {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	log15.Root().SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
	return log15.New("module", "ftd"), nil
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
