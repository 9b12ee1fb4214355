package lifecycle

import (
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func startChild(t *testing.T, args ...string) (*exec.Cmd, chan error) {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd, exited
}

func testSpawner(t *testing.T, grace time.Duration) *Spawner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSpawner(SpawnConfig{TerminateGrace: grace}, NewProber("", 50*time.Millisecond), logger)
}

func TestTerminate_KillsChildIgnoringSIGTERM(t *testing.T) {
	cmd, exited := startChild(t, "sh", "-c", `trap '' TERM; while :; do sleep 1; done`)
	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	const grace = 200 * time.Millisecond
	s := testSpawner(t, grace)

	start := time.Now()
	s.terminate(cmd.Process, exited)
	elapsed := time.Since(start)

	if elapsed < grace {
		t.Fatalf("terminate returned after %v, before the %v grace period", elapsed, grace)
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
		t.Fatal("child still running after terminate")
	}
}

func TestTerminate_ReturnsPromptlyOnCleanExit(t *testing.T) {
	cmd, exited := startChild(t, "sleep", "60")

	s := testSpawner(t, 10*time.Second)
	start := time.Now()
	s.terminate(cmd.Process, exited)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("terminate waited %v despite clean SIGTERM exit", elapsed)
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
		t.Fatal("child still running after terminate")
	}
}
