// Command ftd is the fault-tolerance daemon: a checkpoint store, fault
// detector and recovery coordinator for communication-induced
// checkpointing, plus tools to inspect what it stored.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/ftcic/pkg/model"
)

const version = "0.4.0"

const (
	defaultDir = ".ftd"
	defaultDB  = defaultDir + "/checkpoints.db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("ftd", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	case "serve":
		os.Exit(a.cmdServe(os.Args[2:]))
	case "latest":
		os.Exit(a.cmdLatest(os.Args[2:]))
	case "checkpoints", "ls":
		os.Exit(a.cmdCheckpoints(os.Args[2:]))
	case "collect", "gc":
		os.Exit(a.cmdCollect(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "ftd: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'ftd --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ftd - fault tolerance for active objects

Bodies checkpoint into ftd and push their reception history. When one
stops answering, ftd restores it from its last checkpoint as a new
incarnation and replays the history the checkpoint does not cover.

Usage:
  ftd <command> [flags]

Commands:
  serve                     Run the server (health on gRPC, GC loop, detector)
  latest <body>             Show the last checkpoint of a body
  checkpoints [body]        List retained checkpoints
  collect [--keep N]        Delete checkpoints beyond the newest N per body
  version                   Print the version

Aliases:
  ls = checkpoints, gc = collect

Environment:
  FTD_DB             SQLite database path (default: .ftd/checkpoints.db)
  FTD_LISTEN         gRPC listen address (default: :1100)
  FTD_HOSTS          comma-separated free hosts for recovered bodies
  FTD_KEEP           checkpoints retained per body (default: 2)
  FTD_GC_PERIOD      garbage collection period (default: 40s)
  FTD_PROBE_PERIOD   time between detector scans (default: 10s)
  FTD_PROBE_TIMEOUT  timeout of one probe (default: 2s)
  FTD_PROBE_MISSES   consecutive misses before a failure (default: 3)
  FTD_QUEUES         recovery worker queues, at most 50 (default: 50)
  FTD_LOG            log level: debug, info, warn, error (default: info)

Read commands support --json for machine-readable output.
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(envOr(key, ""))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(envOr(key, ""))
	if err != nil {
		return def
	}
	return d
}

// parseHosts splits a comma-separated host list, dropping blanks.
func parseHosts(s string) []model.Address {
	var out []model.Address
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, model.Address(h))
		}
	}
	return out
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ftd: "+format+"\n", args...)
	os.Exit(1)
}
