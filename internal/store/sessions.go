package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Session is one registered Claude session. server_port records which hookd
// instance owns the session's events; claude_pid ties the session to the
// client process for liveness checks. The remaining fields are per-session
// announce settings captured at SessionStart.
type Session struct {
	SessionID           string    `json:"session_id"`
	ClaudePID           int       `json:"claude_pid"`
	ServerPort          int       `json:"server_port"`
	Language            string    `json:"language,omitempty"`
	Providers           string    `json:"providers,omitempty"`
	CacheEnabled        bool      `json:"cache_enabled"`
	VoiceID             string    `json:"voice_id,omitempty"`
	ModelID             string    `json:"model_id,omitempty"`
	SilentAnnouncements bool      `json:"silent_announcements"`
	SilentEffects       bool      `json:"silent_effects"`
	ModelEnabled        bool      `json:"model_enabled"`
	Model               string    `json:"model,omitempty"`
	ContextualStop      bool      `json:"contextual_stop"`
	ContextualPreTool   bool      `json:"contextual_pretooluse"`
	CreatedAt           time.Time `json:"created_at"`
}

// UpsertSession registers a session, replacing any prior row for the same
// session id. A session re-registering on a new port transfers ownership of
// its queued events to that port's instance.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				session_id, claude_pid, server_port, language, providers,
				cache_enabled, voice_id, model_id, silent_announcements,
				silent_effects, model_enabled, model, contextual_stop,
				contextual_pretooluse
			) VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				claude_pid = excluded.claude_pid,
				server_port = excluded.server_port,
				language = excluded.language,
				providers = excluded.providers,
				cache_enabled = excluded.cache_enabled,
				voice_id = excluded.voice_id,
				model_id = excluded.model_id,
				silent_announcements = excluded.silent_announcements,
				silent_effects = excluded.silent_effects,
				model_enabled = excluded.model_enabled,
				model = excluded.model,
				contextual_stop = excluded.contextual_stop,
				contextual_pretooluse = excluded.contextual_pretooluse;
		`,
			sess.SessionID, sess.ClaudePID, sess.ServerPort, sess.Language, sess.Providers,
			boolInt(sess.CacheEnabled), sess.VoiceID, sess.ModelID, boolInt(sess.SilentAnnouncements),
			boolInt(sess.SilentEffects), boolInt(sess.ModelEnabled), sess.Model,
			boolInt(sess.ContextualStop), boolInt(sess.ContextualPreTool),
		)
		return err
	})
	if err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const sessionColumns = `
	session_id, claude_pid, server_port, COALESCE(language, ''), COALESCE(providers, ''),
	cache_enabled, COALESCE(voice_id, ''), COALESCE(model_id, ''), silent_announcements,
	silent_effects, model_enabled, COALESCE(model, ''), contextual_stop,
	contextual_pretooluse, created_at`

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess       Session
		cache      int
		silentAnn  int
		silentFx   int
		modelOn    int
		ctxStop    int
		ctxPreTool int
	)
	if err := row.Scan(
		&sess.SessionID,
		&sess.ClaudePID,
		&sess.ServerPort,
		&sess.Language,
		&sess.Providers,
		&cache,
		&sess.VoiceID,
		&sess.ModelID,
		&silentAnn,
		&silentFx,
		&modelOn,
		&sess.Model,
		&ctxStop,
		&ctxPreTool,
		&sess.CreatedAt,
	); err != nil {
		return nil, err
	}
	sess.CacheEnabled = cache != 0
	sess.SilentAnnouncements = silentAnn != 0
	sess.SilentEffects = silentFx != 0
	sess.ModelEnabled = modelOn != 0
	sess.ContextualStop = ctxStop != 0
	sess.ContextualPreTool = ctxPreTool != 0
	return &sess, nil
}

// SessionByID fetches one session. Returns ErrNotFound when absent.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?;
	`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("session by id", err)
	}
	return sess, nil
}

// SessionByPID returns the most recently registered session for a client
// process, or ErrNotFound. Settings lookups by pid use this.
func (s *Store) SessionByPID(ctx context.Context, pid int) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE claude_pid = ?
		ORDER BY created_at DESC, session_id DESC LIMIT 1;
	`, pid)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("session by pid", err)
	}
	return sess, nil
}

// SessionsByPort lists all sessions owned by the instance on port.
func (s *Store) SessionsByPort(ctx context.Context, port int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE server_port = ? ORDER BY created_at;
	`, port)
	if err != nil {
		return nil, storeErr("sessions by port", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("session rows", err)
	}
	return out, nil
}

// DeleteSession removes a session and all of its queued events. Returns the
// number of events removed alongside whether the session existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, int64, error) {
	var (
		found  bool
		events int64
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?;`, sessionID)
		if err != nil {
			return err
		}
		events, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?;`, sessionID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return tx.Commit()
	})
	if err != nil {
		return false, 0, storeErr("delete session", err)
	}
	return found, events, nil
}

// DeleteSessionsByPID removes every session registered by a client process,
// cascading to their events. Used when a Claude process exits without a
// clean SessionEnd.
func (s *Store) DeleteSessionsByPID(ctx context.Context, pid int) (int, error) {
	sessions, err := s.sessionIDsByPID(ctx, pid)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range sessions {
		found, _, err := s.DeleteSession(ctx, id)
		if err != nil {
			return removed, err
		}
		if found {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) sessionIDsByPID(ctx context.Context, pid int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE claude_pid = ?;`, pid)
	if err != nil {
		return nil, storeErr("sessions by pid", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan session id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("session id rows", err)
	}
	return ids, nil
}

// CountActive returns the number of registered sessions, optionally scoped
// to one server port.
func (s *Store) CountActive(ctx context.Context, port *int) (int, error) {
	var (
		count int
		err   error
	)
	if port != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sessions WHERE server_port = ?;
		`, *port).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions;`).Scan(&count)
	}
	if err != nil {
		return 0, storeErr("count sessions", err)
	}
	return count, nil
}

// CleanupOrphaned deletes sessions whose client process is gone, cascading to
// their events. Sessions in exclude are never touched, and alive is
// deliberately conservative: any pid it cannot classify is treated as
// running, so an uncertain check never destroys live state. Returns the
// removed session ids.
func (s *Store) CleanupOrphaned(ctx context.Context, exclude map[string]bool, alive func(pid int32) bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, claude_pid FROM sessions;`)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}

	type candidate struct {
		id  string
		pid int
	}
	var all []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.pid); err != nil {
			rows.Close()
			return nil, storeErr("scan session", err)
		}
		all = append(all, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeErr("session rows", err)
	}
	rows.Close()

	var removed []string
	for _, c := range all {
		if exclude[c.id] {
			continue
		}
		if alive(int32(c.pid)) {
			continue
		}
		found, _, err := s.DeleteSession(ctx, c.id)
		if err != nil {
			return removed, err
		}
		if found {
			removed = append(removed, c.id)
		}
	}
	return removed, nil
}
