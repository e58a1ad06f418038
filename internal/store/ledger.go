// ABOUTME: ActivityEvent entity and store methods for the append-only orchestration ledger
// ABOUTME: Events are never mutated or deleted; downstream consumers may archive them

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Activity event types recorded by the orchestration core
const (
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"
	EventAttemptSent      = "attempt_sent"
	EventAttemptFailed    = "attempt_failed"
	EventAttemptSkipped   = "attempt_skipped"
	EventTokenIssued      = "token_issued"
	EventTokenConsumed    = "token_consumed"
	EventSessionResumed   = "session_resumed"
)

// ActivityEvent is one append-only fact about an orchestration decision
type ActivityEvent struct {
	ID          string
	Type        string
	Description string
	Source      string // component that recorded the event
	Metadata    map[string]any
	CreatedAt   time.Time
}

// SaveActivityEvent appends an event to the ledger.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) SaveActivityEvent(ctx context.Context, evt *ActivityEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	var metadataJSON *string
	if evt.Metadata != nil {
		data, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling event metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	}

	query := `
		INSERT INTO activity_events (id, type, description, source, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		evt.ID,
		evt.Type,
		evt.Description,
		evt.Source,
		metadataJSON,
		evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting activity event: %w", err)
	}

	s.logger.Debug("appended activity event",
		"event_id", evt.ID,
		"type", evt.Type,
		"source", evt.Source,
	)
	return nil
}

// ListActivityEvents returns the newest events first
func (s *SQLiteStore) ListActivityEvents(ctx context.Context, limit int) ([]*ActivityEvent, error) {
	return s.queryActivityEvents(ctx, `
		SELECT id, type, description, source, metadata_json, created_at
		FROM activity_events
		ORDER BY created_at DESC
		LIMIT ?
	`, normalizeEventLimit(limit))
}

// ListActivityEventsByType returns the newest events of one type first
func (s *SQLiteStore) ListActivityEventsByType(ctx context.Context, eventType string, limit int) ([]*ActivityEvent, error) {
	return s.queryActivityEvents(ctx, `
		SELECT id, type, description, source, metadata_json, created_at
		FROM activity_events
		WHERE type = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, eventType, normalizeEventLimit(limit))
}

// normalizeEventLimit applies default (100) and cap (1000) to event limits
func normalizeEventLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (s *SQLiteStore) queryActivityEvents(ctx context.Context, query string, args ...any) ([]*ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity events: %w", err)
	}
	defer rows.Close()

	var events []*ActivityEvent
	for rows.Next() {
		evt := &ActivityEvent{}
		var createdAt string
		var metadataJSON *string

		if err := rows.Scan(&evt.ID, &evt.Type, &evt.Description, &evt.Source, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity event: %w", err)
		}
		if evt.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if metadataJSON != nil {
			if err := json.Unmarshal([]byte(*metadataJSON), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling event metadata: %w", err)
			}
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity events: %w", err)
	}
	return events, nil
}
