package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// SpawnConfig tunes daemon startup.
type SpawnConfig struct {
	// HomeDir receives the spawned daemon's log output.
	HomeDir string
	// HealthAttempts and HealthDelay bound the post-spawn readiness poll.
	HealthAttempts int
	HealthDelay    time.Duration
	// TerminateGrace is how long a failed spawn gets between SIGTERM and
	// SIGKILL.
	TerminateGrace time.Duration
}

func (c *SpawnConfig) applyDefaults() {
	if c.HealthAttempts <= 0 {
		c.HealthAttempts = 20
	}
	if c.HealthDelay <= 0 {
		c.HealthDelay = 250 * time.Millisecond
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = 3 * time.Second
	}
}

// Spawner starts detached daemon processes by re-executing the current
// binary with the serve subcommand.
type Spawner struct {
	cfg    SpawnConfig
	prober *Prober
	logger *slog.Logger
}

// NewSpawner returns a spawner that verifies readiness through prober.
func NewSpawner(cfg SpawnConfig, prober *Prober, logger *slog.Logger) *Spawner {
	cfg.applyDefaults()
	return &Spawner{cfg: cfg, prober: prober, logger: logger}
}

// Spawn launches a daemon on port and waits for it to answer health probes.
// On poll exhaustion the spawned process is terminated (SIGTERM, then SIGKILL
// after the grace period) and an error is returned.
func (s *Spawner) Spawn(ctx context.Context, port int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, "serve", "-port", strconv.Itoa(port))
	cmd.Env = append(os.Environ(), "HOOKD_HOME="+s.cfg.HomeDir)
	// Detach: new session so the daemon survives this hook invocation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if s.cfg.HomeDir != "" {
		logDir := filepath.Join(s.cfg.HomeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			if f, err := os.OpenFile(
				filepath.Join(logDir, fmt.Sprintf("spawn-%d.log", port)),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
			); err == nil {
				cmd.Stdout = f
				cmd.Stderr = f
				defer f.Close()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon on port %d: %w", port, err)
	}
	pid := cmd.Process.Pid
	s.logger.Info("spawned daemon", "port", port, "pid", pid)
	// The daemon is detached; don't leave a zombie behind when it exits.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	for attempt := 0; attempt < s.cfg.HealthAttempts; attempt++ {
		if s.prober.Healthy(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			s.terminate(cmd.Process, exited)
			return ctx.Err()
		case <-time.After(s.cfg.HealthDelay):
		}
	}

	s.terminate(cmd.Process, exited)
	return fmt.Errorf("daemon on port %d did not become healthy after %d attempts", port, s.cfg.HealthAttempts)
}

// terminate asks the process to exit and waits for it, escalating to SIGKILL
// after the grace period. It must block until the process is gone: the hook
// invocation exits right after a failed spawn, and a pending timer would die
// with it, leaving a SIGTERM-ignoring daemon running forever.
func (s *Spawner) terminate(proc *os.Process, exited <-chan error) {
	if proc == nil {
		return
	}
	s.logger.Warn("terminating unresponsive daemon", "pid", proc.Pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	select {
	case <-exited:
		return
	case <-time.After(s.cfg.TerminateGrace):
	}
	s.logger.Warn("daemon ignored SIGTERM, killing", "pid", proc.Pid)
	_ = proc.Kill()
	<-exited
}
