// Package hookflow is the client side of hookd: one short-lived invocation
// per hook event. It resolves which instance owns (or should own) the
// current session, spawning a daemon when necessary, posts the event, and
// drives the SessionEnd cleanup protocol. All durable state lives server
// side; an invocation holds nothing but its stdin payload.
package hookflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/hookd/internal/config"
	"github.com/basket/hookd/internal/hooks"
	"github.com/basket/hookd/internal/lifecycle"
)

// DecisionKind says what the orchestrator resolved for this event.
type DecisionKind int

const (
	// KindProceed means an owning instance was resolved; post the event.
	KindProceed DecisionKind = iota
	// KindSkip means no instance applies and that is fine (startup race,
	// ineligible client). The hook exits zero.
	KindSkip
	// KindFail means the session cannot function (spawn failed at
	// SessionStart). The hook exits non-zero.
	KindFail
)

// Decision is the tri-state outcome of server resolution.
type Decision struct {
	Kind   DecisionKind
	Port   int
	Reason string
}

func Proceed(port int) Decision       { return Decision{Kind: KindProceed, Port: port} }
func Skip(reason string) Decision     { return Decision{Kind: KindSkip, Reason: reason} }
func FailWith(reason string) Decision { return Decision{Kind: KindFail, Reason: reason} }

// Input is one decoded hook invocation.
type Input struct {
	SessionID     string
	HookEventName string
	// Source is SessionStart's start reason; Reason is SessionEnd's end
	// reason. "clear"/"compact" mark a soft reset on either.
	Source string
	Reason string
	// Data is the full payload as received; forwarded verbatim.
	Data map[string]any
	// Arguments are --key=value flags from the hook command line.
	Arguments map[string]any
}

// ParseInput decodes the hook payload from r.
func ParseInput(r io.Reader) (*Input, error) {
	var data map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode hook payload: %w", err)
	}
	in := &Input{Data: data}
	in.SessionID, _ = data["session_id"].(string)
	in.HookEventName, _ = data["hook_event_name"].(string)
	in.Source, _ = data["source"].(string)
	in.Reason, _ = data["reason"].(string)
	if in.SessionID == "" || in.HookEventName == "" {
		return nil, fmt.Errorf("hook payload missing session_id or hook_event_name")
	}
	return in, nil
}

// ParseArguments turns --key=value and --flag args into an arguments map,
// normalizing dashes to underscores. Unknown keys pass through; the server
// side decides what it understands.
func ParseArguments(args []string) map[string]any {
	out := map[string]any{}
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		key := strings.TrimPrefix(arg, "--")
		if k, v, found := strings.Cut(key, "="); found {
			out[strings.ReplaceAll(k, "-", "_")] = v
		} else {
			out[strings.ReplaceAll(key, "-", "_")] = true
		}
	}
	return out
}

// Orchestrator resolves and executes one hook invocation.
type Orchestrator struct {
	cfg     *config.Config
	prober  *lifecycle.Prober
	spawner *lifecycle.Spawner
	client  *Client
	logger  *slog.Logger

	// claudePID is the owning client process, 0 when undetectable.
	claudePID int32
	// eligible decides whether this client context may own a server at
	// all. Process-tree classification lives outside the orchestration
	// core.
	eligible func(pid int32) bool
}

// NewOrchestrator wires an orchestrator. eligible may be nil (always
// eligible).
func NewOrchestrator(cfg *config.Config, prober *lifecycle.Prober, spawner *lifecycle.Spawner, client *Client, logger *slog.Logger, claudePID int32, eligible func(pid int32) bool) *Orchestrator {
	if eligible == nil {
		eligible = func(int32) bool { return true }
	}
	return &Orchestrator{
		cfg:       cfg,
		prober:    prober,
		spawner:   spawner,
		client:    client,
		logger:    logger,
		claudePID: claudePID,
		eligible:  eligible,
	}
}

// instanceID identifies this client+server pairing in event rows.
func (o *Orchestrator) instanceID(port int) string {
	return fmt.Sprintf("%d:%d", o.claudePID, port)
}

// Run executes one hook invocation end to end and returns the process exit
// code.
func (o *Orchestrator) Run(ctx context.Context, in *Input) int {
	decision := o.Resolve(ctx, in)
	switch decision.Kind {
	case KindSkip:
		o.logger.Debug("skipping hook event",
			"hook_event", in.HookEventName, "reason", decision.Reason)
		return 0
	case KindFail:
		o.logger.Error("hook event failed",
			"hook_event", in.HookEventName, "reason", decision.Reason)
		return 1
	case KindProceed:
	}
	return o.submit(ctx, decision.Port, in)
}

// submit posts the event to the resolved instance and, for a real SessionEnd,
// runs the cleanup protocol.
func (o *Orchestrator) submit(ctx context.Context, port int, in *Input) int {
	if err := o.client.PostEvent(ctx, port, in.Data, in.Arguments, o.instanceID(port)); err != nil {
		// Between discovery and post another SessionEnd can take the server
		// down; for a SessionEnd of our own that race is benign.
		if in.HookEventName == hooks.SessionEnd && IsConnRefused(err) {
			o.logger.Debug("server already gone during session end", "port", port)
			return 0
		}
		o.logger.Error("post event", "port", port, "error", err)
		return 1
	}

	if in.HookEventName == hooks.SessionEnd && !hooks.IsSoftReset(in.Reason) {
		o.finishSession(ctx, port, in.SessionID)
	}
	return 0
}

// Resolve runs the decision tree: which port owns this event, or why not.
func (o *Orchestrator) Resolve(ctx context.Context, in *Input) Decision {
	switch in.HookEventName {
	case hooks.SessionStart:
		return o.resolveSessionStart(ctx, in)
	case hooks.SessionEnd:
		return o.resolveExisting(ctx, in, false)
	default:
		return o.resolveExisting(ctx, in, true)
	}
}

func (o *Orchestrator) resolveSessionStart(ctx context.Context, in *Input) Decision {
	if !o.eligible(o.claudePID) {
		return Skip("client context not eligible for a server")
	}

	// A soft reset keeps the same client process; reuse its server rather
	// than spawning a second one.
	if hooks.IsSoftReset(in.Source) && o.claudePID > 0 {
		if port, ok := o.prober.FindServerForPID(ctx, int(o.claudePID), o.cfg.BasePort, o.cfg.PortCount); ok {
			o.logger.Info("reusing server after soft reset", "port", port)
			if err := o.register(ctx, port, in); err != nil {
				return FailWith(fmt.Sprintf("re-register session: %v", err))
			}
			return Proceed(port)
		}
	}

	port, err := lifecycle.AllocatePort(o.cfg.Host, o.cfg.BasePort, o.cfg.PortCount)
	if err != nil {
		return FailWith(err.Error())
	}
	if err := o.spawner.Spawn(ctx, port); err != nil {
		return FailWith(fmt.Sprintf("spawn server: %v", err))
	}
	if err := o.register(ctx, port, in); err != nil {
		return FailWith(fmt.Sprintf("register session: %v", err))
	}
	return Proceed(port)
}

// resolveExisting finds the instance already owning this session. With
// autoRegister, a session unknown everywhere is registered on any healthy
// instance best effort; without one the event is skipped (normal during
// startup and shutdown races).
func (o *Orchestrator) resolveExisting(ctx context.Context, in *Input, autoRegister bool) Decision {
	if port, ok := o.prober.DiscoverServer(ctx, in.SessionID, o.cfg.BasePort, o.cfg.PortCount); ok {
		return Proceed(port)
	}
	if !autoRegister {
		return Skip("no instance owns this session")
	}
	port, ok := o.prober.AnyHealthy(ctx, o.cfg.BasePort, o.cfg.PortCount)
	if !ok {
		return Skip("no healthy instance found")
	}
	if err := o.register(ctx, port, in); err != nil {
		o.logger.Warn("auto-register failed", "port", port, "error", err)
		return Skip("auto-register failed")
	}
	o.logger.Info("auto-registered session", "session_id", in.SessionID, "port", port)
	return Proceed(port)
}

func (o *Orchestrator) register(ctx context.Context, port int, in *Input) error {
	a := o.cfg.Announce
	session := map[string]any{
		"session_id":            in.SessionID,
		"claude_pid":            int(o.claudePID),
		"language":              a.Language,
		"providers":             a.Providers,
		"cache_enabled":         a.CacheEnabled,
		"voice_id":              a.VoiceID,
		"model_id":              a.ModelID,
		"silent_announcements":  a.SilentAnnouncements,
		"silent_effects":        a.SilentEffects,
		"model_enabled":         a.ModelEnabled,
		"model":                 a.Model,
		"contextual_stop":       a.ContextualStop,
		"contextual_pretooluse": a.ContextualPreToolUse,
	}
	return o.client.RegisterSession(ctx, port, session, true)
}

// finishSession drains this instance's queue, deletes the session, and shuts
// the server down when it was the last one. Refused connections are expected
// here: the server may already be gone.
func (o *Orchestrator) finishSession(ctx context.Context, port int, sessionID string) {
	o.drain(ctx, port)

	if err := o.client.DeleteSession(ctx, port, sessionID); err != nil {
		if IsConnRefused(err) {
			o.logger.Debug("server already gone during session end", "port", port)
			return
		}
		o.logger.Warn("delete session", "session_id", sessionID, "error", err)
		return
	}

	remaining, err := o.client.SessionCount(ctx, port)
	if err != nil {
		if !IsConnRefused(err) {
			o.logger.Warn("count sessions", "port", port, "error", err)
		}
		return
	}
	if remaining > 0 {
		o.logger.Debug("server still owns sessions, leaving it up",
			"port", port, "remaining", remaining)
		return
	}

	o.logger.Info("last session ended, requesting server shutdown", "port", port)
	if err := o.client.Shutdown(ctx, port); err != nil && !IsConnRefused(err) {
		o.logger.Warn("shutdown request", "port", port, "error", err)
	}
}

// drain polls the instance's last-event status until nothing is pending or
// the timeout elapses. Cleanup must not hang: on timeout we proceed anyway
// and log it.
func (o *Orchestrator) drain(ctx context.Context, port int) {
	instanceID := o.instanceID(port)
	deadline := time.Now().Add(o.cfg.DrainTimeout())
	for time.Now().Before(deadline) {
		_, hasPending, err := o.client.LastEvent(ctx, port, instanceID)
		if err != nil {
			if !IsConnRefused(err) {
				o.logger.Warn("drain poll", "port", port, "error", err)
			}
			return
		}
		if !hasPending {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.DrainPoll()):
		}
	}
	o.logger.Warn("queue did not drain before timeout, proceeding with cleanup",
		"port", port, "timeout", o.cfg.DrainTimeout())
}
