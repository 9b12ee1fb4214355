package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s serve -port N            Run one server instance bound to port N

HOOK MODE (invoked by the client per hook event):
  %s hook [--key=value ...]   Read the hook payload from stdin, resolve or
                              spawn the owning server, and forward the event

SUBCOMMANDS:
  %s status [-port N]         Print health and queue summary for an instance
  %s help                     Show this help

ENVIRONMENT VARIABLES:
  HOOKD_HOME              Data directory (default: ~/.hookd)
  HOOKD_DB_PATH           Override the shared database path
  HOOKD_BASE_PORT         First port of the discovery window (default: 12222)
  HOOKD_MAX_RETRY         Dispatch retry bound (default: 3)
  HOOKD_LOG_LEVEL         debug|info|warn|error
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Mirror logs to stderr only when a human is watching; hook consumers
	// read exit codes, not output.
	quiet := !isatty.IsTerminal(os.Stderr.Fd())

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "serve":
		os.Exit(runServe(ctx, args[1:], quiet))
	case "hook":
		os.Exit(runHook(ctx, args[1:], quiet))
	case "status":
		os.Exit(runStatus(ctx, args[1:]))
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}
