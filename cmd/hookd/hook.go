package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/hookd/internal/config"
	"github.com/basket/hookd/internal/hookflow"
	"github.com/basket/hookd/internal/lifecycle"
	"github.com/basket/hookd/internal/procutil"
	"github.com/basket/hookd/internal/telemetry"
)

// runHook handles one hook invocation: payload on stdin, optional
// --key=value arguments, exit code as the result. Skips exit zero so a
// missing server never blocks the interactive client.
func runHook(ctx context.Context, args []string, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "hook", cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}
	defer closer.Close()

	in, err := hookflow.ParseInput(os.Stdin)
	if err != nil {
		logger.Error("invalid hook payload", "error", err)
		return 1
	}
	in.Arguments = hookflow.ParseArguments(args)

	claudePID := procutil.DetectClaudePIDSafe()

	prober := lifecycle.NewProber(cfg.Host, cfg.ProbeTimeout())
	spawner := lifecycle.NewSpawner(lifecycle.SpawnConfig{
		HomeDir:        cfg.HomeDir,
		HealthAttempts: cfg.SpawnHealthAttempts,
		HealthDelay:    cfg.SpawnHealthDelay(),
		TerminateGrace: cfg.TerminateGrace(),
	}, prober, logger)
	client := hookflow.NewClient(cfg.Host, cfg.SubmitTimeout())

	// Only a detected claude client process may own a server; hooks fired
	// from other contexts (editors, scripts) are skipped.
	eligible := func(pid int32) bool {
		return pid > 0 && procutil.IsClaudeProcess(pid)
	}

	o := hookflow.NewOrchestrator(&cfg, prober, spawner, client, logger, claudePID, eligible)
	return o.Run(ctx, in)
}
