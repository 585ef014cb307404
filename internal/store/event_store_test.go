package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

func newEventMock(t *testing.T) (*EventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return &EventStore{db: db}, mock
}

func TestNewEventStoreValidation(t *testing.T) {
	_, err := NewEventStore(nil)
	assert.Error(t, err)
}

func TestBeginEventFirstDelivery(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectQuery(`INSERT INTO stripe_events`).
		WithArgs("evt_1", "checkout.session.completed").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("received"))

	done, err := s.BeginEvent(context.Background(), "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEventAlreadyProcessed(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectQuery(`INSERT INTO stripe_events`).
		WithArgs("evt_1", "checkout.session.completed").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processed"))

	done, err := s.BeginEvent(context.Background(), "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBeginEventError(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectQuery(`INSERT INTO stripe_events`).WillReturnError(errors.New("boom"))

	_, err := s.BeginEvent(context.Background(), "evt_1", "x")
	assert.Error(t, err)
}

func TestFinishEventProcessed(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectExec(`UPDATE stripe_events\s+SET status = 'processed'`).
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.FinishEvent(context.Background(), "evt_1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishEventFailed(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectExec(`UPDATE stripe_events\s+SET status = 'failed'`).
		WithArgs("evt_1", "db down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.FinishEvent(context.Background(), "evt_1", errors.New("db down")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent(t *testing.T) {
	s, mock := newEventMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT event_id, event_type, status`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "status", "attempts", "last_error", "received_at", "processed_at"}).
			AddRow("evt_1", "checkout.session.completed", "processed", 2, nil, now, now))

	evt, err := s.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, models.StripeEventProcessed, evt.Status)
	assert.Equal(t, 2, evt.Attempts)
	assert.Nil(t, evt.LastError)
	assert.NotNil(t, evt.ProcessedAt)
}

func TestGetEventMissing(t *testing.T) {
	s, mock := newEventMock(t)

	mock.ExpectQuery(`SELECT event_id`).
		WithArgs("evt_x").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "status", "attempts", "last_error", "received_at", "processed_at"}))

	evt, err := s.GetEvent(context.Background(), "evt_x")
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.Nil(t, evt)
}
