package service

import (
	"context"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/metrics"
	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertNotifier appends alerts to the store and hands them to push delivery.
// Emit is synchronous so alerts for one ping keep the caller's order, but it
// never reports failure back to the caller.
type AlertNotifier struct {
	store  domain.AlertStore
	push   domain.PushDispatcher
	policy retry.Policy
	now    func() time.Time
	logger *zerolog.Logger
}

func NewAlertNotifier(store domain.AlertStore, push domain.PushDispatcher, policy retry.Policy, logger *zerolog.Logger) *AlertNotifier {
	l := logger.With().Str("component", "notifier").Logger()
	return &AlertNotifier{
		store:  store,
		push:   push,
		policy: policy,
		now:    time.Now,
		logger: &l,
	}
}

func (n *AlertNotifier) Emit(ctx context.Context, recipientID, kind, pingID, message string) {
	alert := &models.Alert{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Kind:        kind,
		PingID:      pingID,
		Message:     message,
		CreatedAt:   n.now(),
	}

	err := retry.Do(ctx, n.policy, func(ctx context.Context) error {
		return n.store.CreateAlert(ctx, alert)
	})
	if err != nil {
		n.logger.Error().Err(err).
			Str("recipient_id", recipientID).
			Str("kind", kind).
			Str("ping_id", pingID).
			Msg("Failed to append alert")
		return
	}
	metrics.IncAlert(kind)

	if n.push == nil {
		return
	}
	if err := n.push.Enqueue(ctx, alert); err != nil {
		n.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("Push enqueue failed")
	}
}
