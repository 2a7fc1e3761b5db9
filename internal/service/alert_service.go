package service

import (
	"context"

	"pingpick/internal/domain"
	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/rs/zerolog"
)

// AlertService is the recipient-side inbox: list, mark read, clear.
type AlertService struct {
	store  domain.AlertStore
	policy retry.Policy
	logger *zerolog.Logger
}

func NewAlertService(store domain.AlertStore, policy retry.Policy, logger *zerolog.Logger) *AlertService {
	l := logger.With().Str("component", "alert_service").Logger()
	return &AlertService{store: store, policy: policy, logger: &l}
}

func (s *AlertService) List(ctx context.Context, recipientID string, limit int) ([]*models.Alert, error) {
	if recipientID == "" {
		return nil, domain.Invalid("recipient id is required")
	}
	var out []*models.Alert
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var e error
		out, e = s.store.ListAlerts(ctx, recipientID, limit)
		return e
	})
	return out, err
}

func (s *AlertService) MarkRead(ctx context.Context, recipientID, alertID string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.MarkAlertRead(ctx, recipientID, alertID)
	})
}

func (s *AlertService) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var e error
		n, e = s.store.MarkAllAlertsRead(ctx, recipientID)
		return e
	})
	return n, err
}

// Clear deletes every alert of the recipient.
func (s *AlertService) Clear(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var e error
		n, e = s.store.DeleteAlerts(ctx, recipientID)
		return e
	})
	if err == nil && n > 0 {
		s.logger.Info().Str("recipient_id", recipientID).Int64("deleted", n).Msg("Alerts cleared")
	}
	return n, err
}
