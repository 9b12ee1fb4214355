// Package gateway is the per-instance HTTP control plane. Hook clients use
// it to enqueue events, register and tear down sessions, and request
// shutdown; everything is JSON over localhost.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/hookd/internal/hooks"
	"github.com/basket/hookd/internal/otel"
	"github.com/basket/hookd/internal/store"
)

// eventSchema validates POST /events bodies before anything touches the
// store. data is the raw hook payload; session_id and hook_event_name must
// be present inside it.
const eventSchema = `{
	"type": "object",
	"required": ["data"],
	"properties": {
		"data": {
			"type": "object",
			"required": ["session_id", "hook_event_name"],
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"hook_event_name": {"type": "string", "minLength": 1}
			}
		},
		"arguments": {"type": "object"},
		"instance_id": {"type": "string"}
	}
}`

// Config wires the control plane to the rest of the instance.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger

	// Host is the bind address, 127.0.0.1 unless configured otherwise.
	Host string
	// Port is this instance's bound port; it stamps new session rows.
	Port int
	// StartTime feeds the health payload's uptime.
	StartTime time.Time

	// Shutdown triggers graceful self-termination (SIGTERM to own pid in
	// production). Called at most once per POST /shutdown.
	Shutdown func()
	// Alive is the conservative liveness predicate for cleanup side
	// effects.
	Alive func(pid int32) bool

	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Server serves the control plane for one instance.
type Server struct {
	cfg    Config
	schema *jsonschema.Schema
}

// New compiles the request schema and returns a server.
func New(cfg Config) (*Server, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("hookd")
	}
	return &Server{cfg: cfg, schema: schema}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /events", s.handleCreateEvent)
	mux.HandleFunc("GET /events", s.handleQueryEvents)
	mux.HandleFunc("GET /events/status", s.handleEventsStatus)
	mux.HandleFunc("POST /sessions", s.handleRegisterSession)
	mux.HandleFunc("GET /sessions/count", s.handleSessionCount)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /instances/{instance_id}/last-event", s.handleLastEvent)
	mux.HandleFunc("GET /instances/{pid}/settings", s.handleSettingsByPID)
	mux.HandleFunc("GET /migrations/status", s.handleMigrationsStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return s.instrument(mux)
}

// Serve runs the HTTP server on the configured port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.cfg.Logger.Info("control plane listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// instrument wraps the mux with a server span, request logging, and the
// duration metric.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer,
			"gateway."+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			otel.AttrServerPort.Int(s.cfg.Port),
		)
		defer span.End()

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil && s.cfg.Metrics.RequestDuration != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				))
		}
		s.cfg.Logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", elapsed.Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "detail": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"port":           s.cfg.Port,
		"uptime_seconds": int(time.Since(s.cfg.StartTime).Seconds()),
	})
}

type eventRequest struct {
	Data       map[string]any  `json:"data"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := jsonschema.UnmarshalJSON(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Re-encode through the typed request; the schema already guaranteed
	// shape.
	buf, _ := json.Marshal(raw)
	var req eventRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}

	sessionID, _ := req.Data["session_id"].(string)
	hookEventName, _ := req.Data["hook_event_name"].(string)
	if !hooks.IsValid(hookEventName) {
		s.cfg.Logger.Warn("unknown hook event received",
			"hook_event", hookEventName, "session_id", sessionID)
	}

	payload, err := json.Marshal(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unencodable event data")
		return
	}

	id, err := s.cfg.Store.Enqueue(r.Context(), sessionID, hookEventName, payload, req.Arguments, req.InstanceID)
	if err != nil {
		s.cfg.Logger.Error("enqueue event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}
	if s.cfg.Metrics != nil && s.cfg.Metrics.EventsEnqueued != nil {
		s.cfg.Metrics.EventsEnqueued.Add(r.Context(), 1,
			metric.WithAttributes(otel.AttrHookEvent.String(hookEventName)))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"message":  "Event queued for processing",
		"event_id": id,
	})
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		HookEventName: q.Get("hook_event_name"),
		SessionID:     q.Get("session_id"),
		Status:        q.Get("status"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,100]")
			return
		}
		filter.Limit = limit
	}

	events, err := s.cfg.Store.QueryEvents(r.Context(), filter)
	if err != nil {
		s.cfg.Logger.Error("query events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventsStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id query parameter is required")
		return
	}
	counts, err := s.cfg.Store.EventStatusCounts(r.Context(), instanceID)
	if err != nil {
		s.cfg.Logger.Error("count event statuses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": instanceID, "counts": counts})
}

type sessionRequest struct {
	SessionID           string `json:"session_id"`
	ClaudePID           int    `json:"claude_pid"`
	Language            string `json:"language,omitempty"`
	Providers           string `json:"providers,omitempty"`
	CacheEnabled        *bool  `json:"cache_enabled,omitempty"`
	VoiceID             string `json:"voice_id,omitempty"`
	ModelID             string `json:"model_id,omitempty"`
	SilentAnnouncements bool   `json:"silent_announcements,omitempty"`
	SilentEffects       bool   `json:"silent_effects,omitempty"`
	ModelEnabled        bool   `json:"model_enabled,omitempty"`
	Model               string `json:"model,omitempty"`
	ContextualStop      bool   `json:"contextual_stop,omitempty"`
	ContextualPreTool   bool   `json:"contextual_pretooluse,omitempty"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session body")
		return
	}
	if req.SessionID == "" || req.ClaudePID <= 0 {
		writeError(w, http.StatusBadRequest, "session_id and claude_pid are required")
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "session_id must be a UUID")
		return
	}

	cacheEnabled := true
	if req.CacheEnabled != nil {
		cacheEnabled = *req.CacheEnabled
	}
	sess := store.Session{
		SessionID:           req.SessionID,
		ClaudePID:           req.ClaudePID,
		ServerPort:          s.cfg.Port,
		Language:            req.Language,
		Providers:           req.Providers,
		CacheEnabled:        cacheEnabled,
		VoiceID:             req.VoiceID,
		ModelID:             req.ModelID,
		SilentAnnouncements: req.SilentAnnouncements,
		SilentEffects:       req.SilentEffects,
		ModelEnabled:        req.ModelEnabled,
		Model:               req.Model,
		ContextualStop:      req.ContextualStop,
		ContextualPreTool:   req.ContextualPreTool,
	}
	if err := s.cfg.Store.UpsertSession(r.Context(), sess); err != nil {
		s.cfg.Logger.Error("register session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register session")
		return
	}
	if s.cfg.Metrics != nil && s.cfg.Metrics.SessionsActive != nil {
		s.cfg.Metrics.SessionsActive.Add(r.Context(), 1)
	}
	s.cfg.Logger.Info("session registered",
		"session_id", req.SessionID, "claude_pid", req.ClaudePID, "port", s.cfg.Port)

	resp := map[string]any{"status": "ok", "session_id": req.SessionID, "server_port": s.cfg.Port}

	// Optional orphan reaping as a registration side effect. Never touches
	// the session just registered.
	q := r.URL.Query()
	if q.Get("cleanup") == "true" && s.cfg.Alive != nil {
		removed, err := s.cfg.Store.CleanupOrphaned(r.Context(),
			map[string]bool{req.SessionID: true}, s.cfg.Alive)
		if err != nil {
			s.cfg.Logger.Warn("registration cleanup failed", "error", err)
		} else {
			resp["cleaned_up"] = len(removed)
		}
	}
	if raw := q.Get("cleanup_pid"); raw != "" {
		if pid, err := strconv.Atoi(raw); err == nil && pid > 0 && pid != req.ClaudePID {
			removed, err := s.cfg.Store.DeleteSessionsByPID(r.Context(), pid)
			if err != nil {
				s.cfg.Logger.Warn("pid cleanup failed", "pid", pid, "error", err)
			} else {
				resp["cleaned_up_pid"] = removed
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionCount(w http.ResponseWriter, r *http.Request) {
	var port *int
	if raw := r.URL.Query().Get("server_port"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "server_port must be an integer")
			return
		}
		port = &p
	}
	count, err := s.cfg.Store.CountActive(r.Context(), port)
	if err != nil {
		s.cfg.Logger.Error("count sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_sessions": count})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.SessionByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("get session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	found, events, err := s.cfg.Store.DeleteSession(r.Context(), sessionID)
	if err != nil {
		s.cfg.Logger.Error("delete session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if found {
		if s.cfg.Metrics != nil && s.cfg.Metrics.SessionsActive != nil {
			s.cfg.Metrics.SessionsActive.Add(r.Context(), -1)
		}
		s.cfg.Logger.Info("session deleted", "session_id", sessionID, "events_removed", events)
	}
	// Idempotent: deleting an absent session is still OK.
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"deleted":        found,
		"events_removed": events,
	})
}

func (s *Server) handleLastEvent(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")
	status, err := s.cfg.Store.LastEventStatusForInstance(r.Context(), instanceID)
	if err != nil {
		s.cfg.Logger.Error("last event status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load event status")
		return
	}
	hasPending := status == store.StatusPending || status == store.StatusProcessing
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":       instanceID,
		"last_event_status": status,
		"has_pending":       hasPending,
	})
}

func (s *Server) handleSettingsByPID(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be a positive integer")
		return
	}
	sess, err := s.cfg.Store.SessionByPID(r.Context(), pid)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no session for pid")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("settings by pid", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMigrationsStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Store.Status(r.Context())
	if err != nil {
		s.cfg.Logger.Error("migration status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load migration status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.cfg.Logger.Info("shutdown requested via control plane")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Server shutdown initiated",
	})
	if s.cfg.Shutdown != nil {
		// After the response is written; the client saw its ack.
		go s.cfg.Shutdown()
	}
}
