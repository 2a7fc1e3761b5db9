package service

import (
	"context"
	"errors"
	"strings"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/metrics"
	"pingpick/internal/models"
)

type OpenRequest struct {
	ItemName    string          `json:"itemName" validate:"required,max=200"`
	Urgency     string          `json:"urgency" validate:"omitempty,oneof=normal emergency"`
	RequesterID string          `json:"requesterId" validate:"required,max=128"`
	Location    models.Location `json:"location"`
	RadiusKm    float64         `json:"radiusKm" validate:"gt=0"`
}

// Open broadcasts a new ping. No alert is emitted on open.
func (s *PingService) Open(ctx context.Context, req OpenRequest) (*models.Ping, error) {
	itemName := strings.TrimSpace(req.ItemName)
	if itemName == "" {
		return nil, domain.Invalid("item name is required")
	}
	if req.RequesterID == "" {
		return nil, domain.Invalid("requester id is required")
	}
	if req.RadiusKm <= 0 {
		return nil, domain.Invalid("radius must be positive, got %v", req.RadiusKm)
	}
	if req.RadiusKm > s.cfg.MaxRadiusKm {
		return nil, domain.Invalid("radius %v km exceeds maximum %v km", req.RadiusKm, s.cfg.MaxRadiusKm)
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = models.UrgencyNormal
	}
	if !models.ValidUrgency(urgency) {
		return nil, domain.Invalid("unknown urgency %q", req.Urgency)
	}

	if s.cfg.SingleActiveReservation {
		var active bool
		_, err := s.do(ctx, func(ctx context.Context) error {
			var e error
			active, e = s.store.HasCommittedPing(ctx, req.RequesterID)
			return e
		})
		if err != nil {
			return nil, err
		}
		if active {
			return nil, domain.ErrActiveReservation
		}
	}

	now := s.now()
	p := &models.Ping{
		ID:          s.newID(),
		ItemName:    itemName,
		Urgency:     urgency,
		RequesterID: req.RequesterID,
		Location:    req.Location,
		RadiusKm:    req.RadiusKm,
		Status:      models.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := s.do(ctx, func(ctx context.Context) error { return s.store.CreatePing(ctx, p) }); err != nil {
		return nil, err
	}

	metrics.IncPingOpened(p.Urgency)
	s.publish(events.EventPingOpened, p)
	s.logger.Info().Str("ping_id", p.ID).Str("requester_id", p.RequesterID).Str("urgency", p.Urgency).Msg("Ping opened")
	return p, nil
}

// ExpandRadius widens the search radius of an open ping.
func (s *PingService) ExpandRadius(ctx context.Context, pingID string, radiusKm float64) (*models.Ping, error) {
	if radiusKm <= 0 {
		return nil, domain.Invalid("radius must be positive, got %v", radiusKm)
	}
	if radiusKm > s.cfg.MaxRadiusKm {
		return nil, domain.Invalid("radius %v km exceeds maximum %v km", radiusKm, s.cfg.MaxRadiusKm)
	}

	if _, err := s.do(ctx, func(ctx context.Context) error {
		return s.store.ExpandRadius(ctx, pingID, radiusKm, s.now())
	}); err != nil {
		return nil, err
	}

	p, err := s.GetPing(ctx, pingID)
	if err != nil {
		return nil, err
	}
	s.publish(events.EventRadiusExpanded, p)
	return p, nil
}

// Cancel moves an open ping to cancelled. Cancelling twice is a no-op;
// a committed ping cannot be cancelled.
func (s *PingService) Cancel(ctx context.Context, pingID string) (*models.Ping, error) {
	_, err := s.do(ctx, func(ctx context.Context) error {
		return s.store.CancelPing(ctx, pingID, s.now())
	})
	if errors.Is(err, domain.ErrStaleState) {
		p, rerr := s.reload(ctx, pingID, err)
		if rerr != nil {
			return nil, rerr
		}
		if p.Status == models.StatusCancelled {
			return p, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	p, err := s.GetPing(ctx, pingID)
	if err != nil {
		return nil, err
	}
	metrics.IncTransition(models.StatusCancelled)
	s.publish(events.EventPingCancelled, p)
	s.logger.Info().Str("ping_id", pingID).Msg("Ping cancelled")
	return p, nil
}
