package service

import (
	"context"
	"errors"
	"io"
	"testing"

	"pingpick/internal/domain"
	"pingpick/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestEmitAppendsAndPushes(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := new(mockStore)
	push := new(mockPush)

	store.On("CreateAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.RecipientID == "u1" && a.Kind == models.AlertKindResponse && a.PingID == "p1" && a.ID != ""
	})).Return(nil).Once()
	push.On("Enqueue", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(errors.New("queue full")).Once()

	n := NewAlertNotifier(store, push, fastRetry, &logger)
	n.Emit(context.Background(), "u1", models.AlertKindResponse, "p1", "held for you")

	store.AssertExpectations(t)
	push.AssertExpectations(t)
}

func TestEmitRetriesSameAlertID(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := new(mockStore)

	var ids []string
	record := func(args mock.Arguments) {
		ids = append(ids, args.Get(1).(*models.Alert).ID)
	}
	store.On("CreateAlert", mock.Anything, mock.Anything).
		Return(domain.Unavailable("create alert", errors.New("database is locked"))).Run(record).Once()
	store.On("CreateAlert", mock.Anything, mock.Anything).Return(nil).Run(record).Once()

	n := NewAlertNotifier(store, nil, fastRetry, &logger)
	n.Emit(context.Background(), "ph1", models.AlertKindReservation, "p1", "hold it")

	store.AssertExpectations(t)
	if assert.Len(t, ids, 2) {
		assert.Equal(t, ids[0], ids[1], "retries reuse the alert id so duplicates collapse")
	}
}

func TestEmitSwallowsStoreFailure(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := new(mockStore)
	push := new(mockPush)

	store.On("CreateAlert", mock.Anything, mock.Anything).
		Return(domain.Unavailable("create alert", errors.New("disk full")))

	n := NewAlertNotifier(store, push, fastRetry, &logger)
	assert.NotPanics(t, func() {
		n.Emit(context.Background(), "u1", models.AlertKindNoShow, "p1", "expired")
	})

	store.AssertNumberOfCalls(t, "CreateAlert", fastRetry.MaxRetries+1)
	push.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}
