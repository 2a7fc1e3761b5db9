package database

import (
	"context"
	"testing"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertInbox(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for i, kind := range []string{models.AlertKindResponse, models.AlertKindCompletion, models.AlertKindNoShow} {
		a := &models.Alert{RecipientID: "u1", Kind: kind, PingID: "p1", Message: kind, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		require.NoError(t, db.CreateAlert(ctx, a))
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, int64(i+1), a.Seq)
	}
	require.NoError(t, db.CreateAlert(ctx, &models.Alert{RecipientID: "ph1", Kind: models.AlertKindReservation, PingID: "p1", CreatedAt: now}))

	alerts, err := db.ListAlerts(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, models.AlertKindNoShow, alerts[0].Kind, "newest first")
	assert.False(t, alerts[0].Read)

	limited, err := db.ListAlerts(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, db.MarkAlertRead(ctx, "u1", alerts[2].ID))
	assert.ErrorIs(t, db.MarkAlertRead(ctx, "ph1", alerts[2].ID), domain.ErrNotFound, "other recipients cannot touch it")

	n, err := db.MarkAllAlertsRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = db.DeleteAlerts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	alerts, err = db.ListAlerts(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	others, err := db.ListAlerts(ctx, "ph1", 0)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestCreateAlertRetryIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := &models.Alert{ID: "fixed-id", RecipientID: "u1", Kind: models.AlertKindResponse, PingID: "p1", CreatedAt: time.Now()}
	require.NoError(t, db.CreateAlert(ctx, a))
	require.NoError(t, db.CreateAlert(ctx, a))

	alerts, err := db.ListAlerts(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
