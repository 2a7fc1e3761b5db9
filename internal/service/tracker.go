package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/metrics"
	"pingpick/internal/models"
)

// Complete confirms pickup: committed -> completed. Repeating it is a no-op
// and emits nothing.
func (s *PingService) Complete(ctx context.Context, pingID, confirmedBy string) (*models.Ping, error) {
	if confirmedBy == "" {
		return nil, domain.Invalid("confirmedBy is required")
	}

	retried, err := s.do(ctx, func(ctx context.Context) error {
		return s.store.CompletePing(ctx, pingID, confirmedBy, s.now())
	})
	changed := err == nil
	if errors.Is(err, domain.ErrStaleState) {
		p, rerr := s.reload(ctx, pingID, err)
		if rerr != nil {
			return nil, rerr
		}
		if p.Status != models.StatusCompleted {
			return nil, err
		}
		if !retried {
			return p, nil
		}
		// An earlier attempt landed; alerts below may duplicate, state does not.
		err = nil
	}
	if err != nil {
		return nil, err
	}

	p, err := s.GetPing(ctx, pingID)
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.IncTransition(models.StatusCompleted)
	}
	s.notifyCompleted(ctx, p)
	s.publish(events.EventPingCompleted, p)
	s.logger.Info().Str("ping_id", pingID).Str("confirmed_by", confirmedBy).Msg("Pickup completed")
	return p, nil
}

func (s *PingService) notifyCompleted(ctx context.Context, p *models.Ping) {
	if p.CommittedResponse == nil {
		return
	}
	s.notifier.Emit(ctx, p.RequesterID, models.AlertKindCompletion, p.ID,
		fmt.Sprintf("Pickup of %s confirmed.", p.ItemName))
	s.notifier.Emit(ctx, p.CommittedResponse.ProviderID, models.AlertKindCompletion, p.ID,
		fmt.Sprintf("%s was picked up. Reservation closed.", p.ItemName))
}

// RemainingTime is max(0, expiresAt-now) for a committed ping and zero once
// the reservation has ended. It never writes.
func (s *PingService) RemainingTime(ctx context.Context, pingID string) (time.Duration, error) {
	r, err := s.Reservation(ctx, pingID)
	if err != nil {
		return 0, err
	}
	return r.Remaining, nil
}

// Reservation returns the derived hold view of a ping.
func (s *PingService) Reservation(ctx context.Context, pingID string) (models.Reservation, error) {
	p, err := s.GetPing(ctx, pingID)
	if err != nil {
		return models.Reservation{}, err
	}
	r, ok := models.ReservationOf(p, s.now())
	if !ok {
		return models.Reservation{}, fmt.Errorf("%w: ping %s has no reservation (status %s)", domain.ErrStaleState, pingID, p.Status)
	}
	return r, nil
}
