// Package processor drains the hook event queue for one server instance.
// A single goroutine owns the loop; events for sessions registered to other
// ports are requeued untouched, so several instances can share the database
// without double-processing.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/hookd/internal/announce"
	"github.com/basket/hookd/internal/hooks"
	"github.com/basket/hookd/internal/otel"
	"github.com/basket/hookd/internal/store"
)

// Handler receives each owned event once per dispatch attempt.
// *announce.Announcer is the production handler.
type Handler interface {
	Announce(ctx context.Context, req announce.Request) error
}

// Config tunes the processing loop.
type Config struct {
	// Port identifies this instance; sessions registered with another
	// server_port are not ours.
	Port int
	// StartTime gates the queue: events enqueued before it are invisible,
	// so a restart does not replay an old backlog.
	StartTime time.Time

	MaxRetries   int
	PollInterval time.Duration
	RetryDelay   time.Duration
	ErrorBackoff time.Duration

	// Tracer records one dispatch span per owned event; nil means noop.
	Tracer trace.Tracer
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer("hookd")
	}
}

// Processor is the queue-draining loop for one instance.
type Processor struct {
	store   *store.Store
	handler Handler
	logger  *slog.Logger
	metrics *otel.Metrics
	cfg     Config

	// notFound counts per-event session lookups that came up empty. The
	// count lives here, not in the events row, so requeues never disturb
	// the persisted retry_count.
	notFound map[int64]int
}

// New builds a processor. metrics may be nil.
func New(s *store.Store, handler Handler, logger *slog.Logger, metrics *otel.Metrics, cfg Config) *Processor {
	cfg.applyDefaults()
	return &Processor{
		store:    s,
		handler:  handler,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		notFound: make(map[int64]int),
	}
}

// Run drains the queue until ctx is cancelled. Iteration failures and panics
// are absorbed with a backoff; cancellation is the only way out and is not an
// error.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("event processor starting",
		"port", p.cfg.Port,
		"start_time", store.FormatTime(p.cfg.StartTime))

	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("event processor stopped")
			return nil
		}
		if err := p.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			p.logger.Error("event processor iteration failed", "error", err)
			if !sleepCtx(ctx, p.cfg.ErrorBackoff) {
				continue
			}
		}
	}
}

// iterate runs one fetch-and-process step, converting panics to errors.
func (p *Processor) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	ev, err := p.store.NextPending(ctx, p.cfg.StartTime)
	if err != nil {
		return err
	}
	if ev == nil {
		p.pruneNotFound(ctx)
		sleepCtx(ctx, p.cfg.PollInterval)
		return nil
	}
	return p.processEvent(ctx, ev)
}

// pruneNotFound drops counters for events that reached a terminal state
// through another instance (or were deleted with their session). Without this
// an entry for an event we requeued but never finished would live for the
// whole daemon uptime.
func (p *Processor) pruneNotFound(ctx context.Context) {
	for id := range p.notFound {
		ev, err := p.store.EventByID(ctx, id)
		if err != nil {
			return
		}
		if ev == nil || (ev.Status != store.StatusPending && ev.Status != store.StatusProcessing) {
			delete(p.notFound, id)
		}
	}
}

func (p *Processor) processEvent(ctx context.Context, ev *store.Event) error {
	log := p.logger.With("event_id", ev.ID, "session_id", ev.SessionID, "hook_event", ev.HookEventName)

	if err := p.store.MarkProcessing(ctx, ev.ID); err != nil {
		return err
	}

	sess, err := p.store.SessionByID(ctx, ev.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return p.handleSessionMissing(ctx, ev, log)
	}
	if err != nil {
		// Transient store failure: put the event back untouched.
		if reqErr := p.store.MarkPending(ctx, ev.ID, ev.RetryCount); reqErr != nil {
			return errors.Join(err, reqErr)
		}
		return err
	}
	delete(p.notFound, ev.ID)

	if sess.ServerPort != p.cfg.Port {
		// Another instance owns this session; leave the event for it.
		log.Debug("event owned by other instance", "owner_port", sess.ServerPort)
		if err := p.store.MarkPending(ctx, ev.ID, ev.RetryCount); err != nil {
			return err
		}
		p.count(ctx, p.metricOrNil().EventsRequeued)
		sleepCtx(ctx, p.cfg.PollInterval)
		return nil
	}

	return p.dispatch(ctx, ev, sess, log)
}

// handleSessionMissing requeues the event a bounded number of times to let a
// racing SessionStart registration land, then fails it. The persisted
// retry_count stays untouched throughout.
func (p *Processor) handleSessionMissing(ctx context.Context, ev *store.Event, log *slog.Logger) error {
	p.notFound[ev.ID]++
	if p.notFound[ev.ID] < p.cfg.MaxRetries {
		log.Debug("session not registered yet, requeueing", "attempt", p.notFound[ev.ID])
		if err := p.store.MarkPending(ctx, ev.ID, ev.RetryCount); err != nil {
			return err
		}
		p.count(ctx, p.metricOrNil().EventsRequeued)
		sleepCtx(ctx, p.cfg.RetryDelay)
		return nil
	}

	delete(p.notFound, ev.ID)
	msg := fmt.Sprintf("session not found after %d retries", p.cfg.MaxRetries)
	log.Warn("dropping event", "reason", msg)
	if err := p.store.MarkFailed(ctx, ev.ID, ev.RetryCount, msg); err != nil {
		return err
	}
	p.count(ctx, p.metricOrNil().EventsFailed)
	return nil
}

// dispatch hands the event to the handler, retrying in place with a short
// fixed delay. The attempt counter resumes from the persisted retry_count.
func (p *Processor) dispatch(ctx context.Context, ev *store.Event, sess *store.Session, log *slog.Logger) error {
	if !hooks.IsValid(ev.HookEventName) {
		log.Warn("unknown hook event name, processing anyway")
	}

	ctx, span := otel.StartSpan(ctx, p.cfg.Tracer, "processor.dispatch",
		otel.AttrEventID.Int64(ev.ID),
		otel.AttrSessionID.String(ev.SessionID),
		otel.AttrHookEvent.String(ev.HookEventName),
		otel.AttrInstanceID.String(ev.InstanceID),
	)
	defer span.End()

	req, err := buildRequest(ev, sess)
	if err != nil {
		log.Warn("undecodable event payload", "error", err)
		if markErr := p.store.MarkFailed(ctx, ev.ID, ev.RetryCount, err.Error()); markErr != nil {
			return markErr
		}
		p.count(ctx, p.metricOrNil().EventsFailed)
		return nil
	}

	start := time.Now()
	attempt := ev.RetryCount
	var lastErr error
	for attempt < p.cfg.MaxRetries {
		lastErr = p.handler.Announce(ctx, req)
		if lastErr == nil {
			if err := p.store.MarkCompleted(ctx, ev.ID, attempt); err != nil {
				return err
			}
			p.count(ctx, p.metricOrNil().EventsCompleted)
			p.record(ctx, p.metricOrNil().DispatchDuration, time.Since(start).Seconds())
			log.Info("event processed", "attempts", attempt+1)
			return nil
		}
		attempt++
		p.count(ctx, p.metricOrNil().DispatchRetries)
		log.Warn("dispatch failed", "attempt", attempt, "max", p.cfg.MaxRetries, "error", lastErr)
		if attempt < p.cfg.MaxRetries {
			if !sleepCtx(ctx, p.cfg.RetryDelay) {
				break
			}
		}
	}

	msg := fmt.Sprintf("max retries (%d) exceeded: %v", p.cfg.MaxRetries, lastErr)
	if lastErr != nil {
		span.RecordError(lastErr)
	}
	if err := p.store.MarkFailed(ctx, ev.ID, attempt, msg); err != nil {
		return err
	}
	p.count(ctx, p.metricOrNil().EventsFailed)
	return nil
}

// buildRequest decodes the stored payload/arguments and enriches the payload
// with the event's identity fields, mirroring what hook scripts receive.
func buildRequest(ev *store.Event, sess *store.Session) (announce.Request, error) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return announce.Request{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	payload["session_id"] = ev.SessionID
	payload["hook_event_name"] = ev.HookEventName

	var arguments map[string]any
	if len(ev.Arguments) > 0 {
		// Bad arguments are dropped, not fatal: the event itself is intact.
		_ = json.Unmarshal(ev.Arguments, &arguments)
	}

	return announce.Request{
		SessionID:     ev.SessionID,
		HookEventName: ev.HookEventName,
		Payload:       payload,
		Arguments:     arguments,
		Language:      sess.Language,
		VoiceID:       sess.VoiceID,
		SilentEffects: sess.SilentEffects,
	}, nil
}

func (p *Processor) metricOrNil() *otel.Metrics {
	if p.metrics == nil {
		return &otel.Metrics{}
	}
	return p.metrics
}

func (p *Processor) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

func (p *Processor) record(ctx context.Context, hist metric.Float64Histogram, v float64) {
	if hist != nil {
		hist.Record(ctx, v)
	}
}

// sleepCtx waits for d or until ctx is done; reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
