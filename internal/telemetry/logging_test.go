package telemetry_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/hookd/internal/telemetry"
)

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("log line not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLogger_WritesJSONLines(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "server-12222", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("instance started", "port", 12222)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLogLines(t, filepath.Join(home, "logs", "server-12222.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["msg"] != "instance started" {
		t.Fatalf("msg: %v", lines[0]["msg"])
	}
	if lines[0]["component"] != "server-12222" {
		t.Fatalf("component: %v", lines[0]["component"])
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Fatal("time key not renamed to timestamp")
	}
	if lines[0]["port"] != float64(12222) {
		t.Fatalf("port attr: %v", lines[0]["port"])
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "hook", "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("session registered",
		"voice_id", "v1",
		"api_key", "sk-sensitive",
		"auth_token", "bearer-xyz",
	)
	closer.Close()

	lines := readLogLines(t, filepath.Join(home, "logs", "hook.jsonl"))
	if lines[0]["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %v", lines[0]["api_key"])
	}
	if lines[0]["auth_token"] != "[REDACTED]" {
		t.Fatalf("auth_token not redacted: %v", lines[0]["auth_token"])
	}
	if lines[0]["voice_id"] != "v1" {
		t.Fatalf("voice_id wrongly redacted: %v", lines[0]["voice_id"])
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "hook", "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	closer.Close()

	lines := readLogLines(t, filepath.Join(home, "logs", "hook.jsonl"))
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("level filter wrong: %v", lines)
	}
}

func TestNewLogger_AppendsAcrossProcesses(t *testing.T) {
	home := t.TempDir()
	for i := 0; i < 2; i++ {
		logger, closer, err := telemetry.NewLogger(home, "hook", "info", true)
		if err != nil {
			t.Fatalf("new logger: %v", err)
		}
		logger.Info("run")
		closer.Close()
	}

	lines := readLogLines(t, filepath.Join(home, "logs", "hook.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("log not appended: %d lines", len(lines))
	}
}
