// Package announce turns processed hook events into local side effects.
// Providers form an ordered chain; each gets a chance to handle the request
// and the first one that does ends the chain. Unavailable providers are
// skipped, so a missing audio player degrades to the log provider instead of
// failing the event.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Request carries everything a provider needs to announce one event.
type Request struct {
	SessionID     string
	HookEventName string
	Payload       map[string]any
	Arguments     map[string]any

	// Settings captured at session registration.
	Language      string
	VoiceID       string
	SilentEffects bool
}

// SoundEffect returns the effect override from the hook arguments, if any.
func (r Request) SoundEffect() string {
	if r.Arguments == nil {
		return ""
	}
	if v, ok := r.Arguments["sound_effect"].(string); ok {
		return v
	}
	return ""
}

// Provider is one way of announcing an event. Attempt returns handled=false
// when the provider cannot serve this request (missing player binary, no
// sound mapped for the event); the chain then moves on. An error means the
// provider tried and failed.
type Provider interface {
	Name() string
	Attempt(ctx context.Context, req Request) (handled bool, err error)
}

// Announcer runs the configured provider chain.
type Announcer struct {
	chain  []Provider
	logger *slog.Logger
}

// New builds an announcer from an ordered provider name list. Duplicate
// names keep their first position. Unknown names are rejected: the provider
// set is closed.
func New(names []string, soundDir string, logger *slog.Logger) (*Announcer, error) {
	if len(names) == 0 {
		names = []string{"log"}
	}
	seen := make(map[string]bool, len(names))
	var chain []Provider
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "sound":
			chain = append(chain, NewSoundPlayer(soundDir, logger))
		case "log":
			chain = append(chain, NewLogProvider(logger))
		default:
			return nil, fmt.Errorf("unknown announce provider %q", name)
		}
	}
	if len(chain) == 0 {
		chain = []Provider{NewLogProvider(logger)}
	}
	return &Announcer{chain: chain, logger: logger}, nil
}

// Announce tries providers in order until one handles the request. Provider
// errors are logged and the chain continues; only a fully unhandled request
// is reported back so the processor can retry.
func (a *Announcer) Announce(ctx context.Context, req Request) error {
	var lastErr error
	for _, p := range a.chain {
		handled, err := p.Attempt(ctx, req)
		if err != nil {
			a.logger.Warn("announce provider failed",
				"provider", p.Name(),
				"hook_event", req.HookEventName,
				"error", err)
			lastErr = err
			continue
		}
		if handled {
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("all announce providers failed: %w", lastErr)
	}
	// Nothing handled and nothing errored: the event simply has no
	// announcement. Not a failure.
	return nil
}
