package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/bounty-escrow/internal/models"
)

var eventColumns = []string{
	"id", "event_type", "bounty_id", "payload", "status", "retry_count",
	"next_attempt_at", "last_error", "locked_at", "created_at", "updated_at",
}

func TestOutboxRepository_ClaimEvent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	eventID := uuid.New()
	bountyID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("UPDATE outbox_events").
		WithArgs(eventID, now).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(eventID.String(), "ESCROW_HOLD", bountyID.String(), []byte(`{"amount":10000}`), "processing", 0, now, nil, now, now, now))

	ev, err := repo.ClaimEvent(ctx, eventID, now)

	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventStatusProcessing, ev.Status)
	assert.Equal(t, models.EventTypeEscrowHold, ev.EventType)
	assert.JSONEq(t, `{"amount":10000}`, string(ev.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ClaimEvent_LostRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)

	mock.ExpectQuery("UPDATE outbox_events").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	ev, err := repo.ClaimEvent(context.Background(), uuid.New(), time.Now())

	assert.NoError(t, err)
	assert.Nil(t, ev)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ListDueEvents(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM outbox_events").
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(uuid.NewString(), "REFUND", uuid.NewString(), []byte(`{}`), "pending", 1, now, "timeout", nil, now, now).
			AddRow(uuid.NewString(), "COMPLETION_RELEASE", uuid.NewString(), []byte(`{}`), "pending", 0, now, nil, nil, now, now))

	events, err := repo.ListDueEvents(context.Background(), now, 10)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].RetryCount)
	require.NotNil(t, events[0].LastError)
	assert.Equal(t, "timeout", *events[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_RequeueStaleEvents(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	before := time.Now().Add(-2 * time.Minute)

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RequeueStaleEvents(context.Background(), before)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_RescheduleEvent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	id := uuid.New()
	next := time.Now().Add(4 * time.Second)

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs(id, 2, next, "gateway timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RescheduleEvent(context.Background(), id, 2, next, "gateway timeout")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
