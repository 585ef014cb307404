package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

// ErrEventNotFound is returned when the delivery log has no row for an event.
var ErrEventNotFound = errors.New("webhook event not found")

// EventStore keeps the webhook delivery log used to skip events that were
// already applied.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore instance.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &EventStore{db: db}, nil
}

// BeginEvent records a delivery of eventID. It returns true when a previous
// delivery of the same event was processed successfully; in that case the
// row is left untouched.
func (s *EventStore) BeginEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	var status models.StripeEventStatus
	err := s.db.QueryRowContext(ctx, `
INSERT INTO stripe_events (event_id, event_type, status, attempts)
VALUES ($1, $2, 'received', 1)
ON CONFLICT (event_id) DO UPDATE
SET attempts = stripe_events.attempts + 1,
    status = CASE WHEN stripe_events.status = 'processed' THEN stripe_events.status ELSE 'received' END
RETURNING status
`, eventID, eventType).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("store: begin event %s: %w", eventID, err)
	}
	return status == models.StripeEventProcessed, nil
}

// FinishEvent marks a delivery processed, or failed with procErr.
func (s *EventStore) FinishEvent(ctx context.Context, eventID string, procErr error) error {
	var err error
	if procErr == nil {
		_, err = s.db.ExecContext(ctx, `
UPDATE stripe_events
SET status = 'processed',
    last_error = NULL,
    processed_at = NOW()
WHERE event_id = $1
`, eventID)
	} else {
		_, err = s.db.ExecContext(ctx, `
UPDATE stripe_events
SET status = 'failed',
    last_error = $2
WHERE event_id = $1
`, eventID, procErr.Error())
	}
	if err != nil {
		return fmt.Errorf("store: finish event %s: %w", eventID, err)
	}
	return nil
}

// GetEvent loads one delivery log row.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (*models.StripeEvent, error) {
	var (
		evt       models.StripeEvent
		lastError sql.NullString
		processed sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
SELECT event_id, event_type, status, attempts, last_error, received_at, processed_at
FROM stripe_events
WHERE event_id = $1
`, eventID).Scan(&evt.EventID, &evt.EventType, &evt.Status, &evt.Attempts, &lastError, &evt.ReceivedAt, &processed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("store: get event %s: %w", eventID, err)
	}

	evt.LastError = nullStringPtr(lastError)
	if processed.Valid {
		evt.ProcessedAt = &processed.Time
	}
	return &evt, nil
}
