package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Event statuses. Transitions are monotone along
// pending -> processing -> {completed, failed}, except that processing may be
// rolled back to pending when the event turns out to belong to another
// instance or its session is not yet visible.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one queued hook event. Rows are append-only: events are never
// deleted except alongside their session, so the table doubles as an audit
// log.
type Event struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	InstanceID    string          `json:"instance_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// Enqueue inserts a pending event and returns its assigned id.
func (s *Store) Enqueue(ctx context.Context, sessionID, hookEventName string, payload, arguments json.RawMessage, instanceID string) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (session_id, hook_event_name, payload, arguments, instance_id)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''));
		`, sessionID, hookEventName, string(payload), rawOrEmpty(arguments), instanceID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, storeErr("enqueue event", err)
	}
	return id, nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

const eventColumns = `
	id, session_id, hook_event_name, payload, COALESCE(arguments, ''),
	status, retry_count, COALESCE(error_message, ''), COALESCE(instance_id, ''),
	created_at, processed_at`

// NextPending returns the lowest-id pending event created at or after since,
// or nil when the queue is empty. FIFO is by id, not timestamp, so clock skew
// between instances cannot reorder the queue. Status is not transitioned
// here; the caller claims the event with MarkProcessing.
func (s *Store) NextPending(ctx context.Context, since time.Time) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = ? AND created_at >= ?
		ORDER BY id
		LIMIT 1;
	`, StatusPending, FormatTime(since))

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("next pending event", err)
	}
	return ev, nil
}

// EventByID returns one event, or nil when it no longer exists (deleted with
// its session, for example).
func (s *Store) EventByID(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = ?;
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("event by id", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev          Event
		payload     string
		arguments   string
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&ev.ID,
		&ev.SessionID,
		&ev.HookEventName,
		&payload,
		&arguments,
		&ev.Status,
		&ev.RetryCount,
		&ev.ErrorMessage,
		&ev.InstanceID,
		&ev.CreatedAt,
		&processedAt,
	); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	if arguments != "" {
		ev.Arguments = json.RawMessage(arguments)
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

// MarkProcessing claims an event for this processor iteration.
func (s *Store) MarkProcessing(ctx context.Context, id int64) error {
	return s.updateStatus(ctx, "mark processing", `
		UPDATE events SET status = ? WHERE id = ?;
	`, StatusProcessing, id)
}

// MarkCompleted records a successful dispatch and the final retry count.
func (s *Store) MarkCompleted(ctx context.Context, id int64, retryCount int) error {
	return s.updateStatus(ctx, "mark completed", `
		UPDATE events SET status = ?, retry_count = ?, processed_at = ? WHERE id = ?;
	`, StatusCompleted, retryCount, FormatTime(time.Now()), id)
}

// MarkFailed records terminal failure with its cause.
func (s *Store) MarkFailed(ctx context.Context, id int64, retryCount int, errMsg string) error {
	return s.updateStatus(ctx, "mark failed", `
		UPDATE events SET status = ?, retry_count = ?, error_message = ?, processed_at = ? WHERE id = ?;
	`, StatusFailed, retryCount, errMsg, FormatTime(time.Now()), id)
}

// MarkPending returns an event to the queue. Used when the event was picked
// up but cannot be processed yet: its session is not visible yet, or it
// belongs to a different server instance.
func (s *Store) MarkPending(ctx context.Context, id int64, retryCount int) error {
	return s.updateStatus(ctx, "mark pending", `
		UPDATE events SET status = ?, retry_count = ? WHERE id = ?;
	`, StatusPending, retryCount, id)
}

func (s *Store) updateStatus(ctx context.Context, op, query string, args ...any) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

// EventFilter selects events for the query endpoint. Zero values mean "any".
type EventFilter struct {
	HookEventName string
	SessionID     string
	Status        string
	Limit         int
}

// QueryEvents returns recent events matching the filter, newest first.
// Limit is clamped to 100.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}

	query := `
		SELECT ` + eventColumns + `
		FROM events WHERE 1=1`
	var args []any
	if f.HookEventName != "" {
		query += " AND hook_event_name = ?"
		args = append(args, f.HookEventName)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY id DESC LIMIT ?;"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("scan event", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("event rows", err)
	}
	return out, nil
}

// EventStatusCounts returns, per status, how many events the given instance
// has posted. Counted in SQL so the result never caps at a query page size.
func (s *Store) EventStatusCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	counts := map[string]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM events WHERE instance_id = ? GROUP BY status;
	`, instanceID)
	if err != nil {
		return nil, storeErr("count event statuses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("scan status count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("status count rows", err)
	}
	return counts, nil
}

// LastEventStatusForInstance returns the status of the most recent event
// posted by the given instance, or "" when that instance has no events.
// SessionEnd polls this to decide when the queue has drained.
func (s *Store) LastEventStatusForInstance(ctx context.Context, instanceID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM events WHERE instance_id = ? ORDER BY id DESC LIMIT 1;
	`, instanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("last event status", err)
	}
	return status, nil
}
