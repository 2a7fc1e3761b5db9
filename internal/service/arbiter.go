package service

import (
	"context"
	"fmt"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/metrics"
	"pingpick/internal/models"
)

const (
	MsgAlreadyReserved = "already reserved by someone else"
	MsgDeclined        = "response recorded"
	MsgReserved        = "reservation confirmed"
)

type RespondRequest struct {
	PingID             string  `json:"-"`
	ProviderID         string  `json:"providerId" validate:"required,max=128"`
	ProviderName       string  `json:"providerName" validate:"max=200"`
	Available          bool    `json:"available"`
	ReservationMinutes *int    `json:"reservationMinutes,omitempty" validate:"omitempty,gt=0,lte=10080"`
	DistanceKm         float64 `json:"distanceKm" validate:"gte=0"`
	Price              float64 `json:"price" validate:"gte=0"`
	Address            string  `json:"address" validate:"max=500"`
	Phone              string  `json:"phone" validate:"max=50"`
}

// RespondResult is the arbiter's verdict. Accepted=false with a nil error is
// the normal outcome for a provider that lost the race.
type RespondResult struct {
	Accepted bool         `json:"accepted"`
	Message  string       `json:"message,omitempty"`
	Ping     *models.Ping `json:"ping,omitempty"`
}

// Respond records a provider's answer. A decline never changes the ping. An
// acceptance tries open -> committed; the first one to land wins.
func (s *PingService) Respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	if req.PingID == "" || req.ProviderID == "" {
		metrics.IncRespond(metrics.OutcomeRejected)
		return RespondResult{}, domain.Invalid("ping id and provider id are required")
	}

	resp := &models.Response{
		PingID:       req.PingID,
		ProviderID:   req.ProviderID,
		ProviderName: req.ProviderName,
		Available:    req.Available,
		DistanceKm:   req.DistanceKm,
		Price:        req.Price,
		Address:      req.Address,
		Phone:        req.Phone,
		RespondedAt:  s.now(),
	}

	if !req.Available {
		if _, err := s.do(ctx, func(ctx context.Context) error { return s.store.SaveResponse(ctx, resp) }); err != nil {
			return RespondResult{}, err
		}
		metrics.IncRespond(metrics.OutcomeDeclined)
		return RespondResult{Accepted: true, Message: MsgDeclined}, nil
	}

	if req.ReservationMinutes == nil || *req.ReservationMinutes <= 0 {
		metrics.IncRespond(metrics.OutcomeRejected)
		return RespondResult{}, domain.Invalid("reservation minutes must be positive when available")
	}
	if *req.ReservationMinutes > s.cfg.MaxReservationMinutes {
		metrics.IncRespond(metrics.OutcomeRejected)
		return RespondResult{}, domain.Invalid("reservation minutes must not exceed %d", s.cfg.MaxReservationMinutes)
	}
	minutes := *req.ReservationMinutes
	resp.ReservationMinutes = &minutes

	var committed bool
	retried, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		committed, e = s.store.CommitResponse(ctx, resp)
		return e
	})
	if err != nil {
		return RespondResult{}, err
	}

	p, err := s.GetPing(ctx, req.PingID)
	if err != nil {
		if committed {
			s.logger.Error().Err(err).Str("ping_id", req.PingID).Msg("Committed but failed to reload ping")
			return RespondResult{Accepted: true, Message: MsgReserved}, nil
		}
		return RespondResult{}, err
	}

	if !committed {
		mine := p.CommittedResponse != nil && p.CommittedResponse.ProviderID == req.ProviderID
		if !mine {
			metrics.IncRespond(metrics.OutcomeLost)
			s.logger.Debug().Str("ping_id", req.PingID).Str("provider_id", req.ProviderID).Str("status", p.Status).Msg("Commit lost")
			return RespondResult{Accepted: false, Message: MsgAlreadyReserved, Ping: p}, nil
		}
		if !retried {
			// Idempotent repeat by the winner.
			return RespondResult{Accepted: true, Message: MsgReserved, Ping: p}, nil
		}
		// An earlier attempt landed before its acknowledgement was lost.
	}

	metrics.IncRespond(metrics.OutcomeCommitted)
	metrics.IncTransition(models.StatusCommitted)
	s.notifyCommitted(ctx, p)
	s.publish(events.EventPingCommitted, p)
	s.logger.Info().
		Str("ping_id", p.ID).
		Str("provider_id", req.ProviderID).
		Int("reservation_minutes", minutes).
		Time("expires_at", p.CommittedResponse.ExpiresAt()).
		Msg("Ping committed")

	return RespondResult{Accepted: true, Message: MsgReserved, Ping: p}, nil
}

func (s *PingService) notifyCommitted(ctx context.Context, p *models.Ping) {
	cr := p.CommittedResponse
	provider := cr.ProviderName
	if provider == "" {
		provider = cr.ProviderID
	}
	s.notifier.Emit(ctx, p.RequesterID, models.AlertKindResponse, p.ID,
		fmt.Sprintf("%s has %s available and is holding it for %d minutes.", provider, p.ItemName, cr.ReservationMinutes))
	s.notifier.Emit(ctx, cr.ProviderID, models.AlertKindReservation, p.ID,
		fmt.Sprintf("Hold %s for %d minutes (until %s).", p.ItemName, cr.ReservationMinutes, cr.ExpiresAt().Format("15:04 MST")))
}
