package announce

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// SoundPlayer plays a per-event sound file through whichever command-line
// audio player the host has. Effects live under soundDir as
// <hook_event_name>.wav (or an explicit sound_effect argument).
type SoundPlayer struct {
	soundDir string
	logger   *slog.Logger
	players  []string
}

// NewSoundPlayer returns a sound provider rooted at soundDir.
func NewSoundPlayer(soundDir string, logger *slog.Logger) *SoundPlayer {
	var players []string
	switch runtime.GOOS {
	case "darwin":
		players = []string{"afplay"}
	default:
		players = []string{"paplay", "ffplay", "aplay"}
	}
	return &SoundPlayer{soundDir: soundDir, logger: logger, players: players}
}

func (p *SoundPlayer) Name() string { return "sound" }

// Attempt plays the sound mapped to the event. Unhandled when effects are
// silenced, no file is mapped, or no player binary exists on PATH.
func (p *SoundPlayer) Attempt(ctx context.Context, req Request) (bool, error) {
	if req.SilentEffects {
		return false, nil
	}
	path := p.resolveSound(req)
	if path == "" {
		return false, nil
	}
	player := p.findPlayer()
	if player == "" {
		p.logger.Debug("no audio player on PATH, skipping sound provider")
		return false, nil
	}

	args := []string{path}
	if filepath.Base(player) == "ffplay" {
		args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet", path}
	}
	cmd := exec.CommandContext(ctx, player, args...)
	if err := cmd.Run(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *SoundPlayer) resolveSound(req Request) string {
	if effect := req.SoundEffect(); effect != "" {
		candidate := filepath.Join(p.soundDir, filepath.Base(effect))
		if fileExists(candidate) {
			return candidate
		}
	}
	for _, ext := range []string{".wav", ".mp3"} {
		candidate := filepath.Join(p.soundDir, req.HookEventName+ext)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func (p *SoundPlayer) findPlayer() string {
	for _, name := range p.players {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LogProvider writes the announcement to the structured log. It always
// handles the request, making it the natural last element of the chain.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Attempt(_ context.Context, req Request) (bool, error) {
	p.logger.Info("hook event",
		"hook_event", req.HookEventName,
		"session_id", req.SessionID,
		"language", req.Language)
	return true, nil
}
