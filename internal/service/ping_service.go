package service

import (
	"context"
	"errors"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PingServiceConfig tunes the lifecycle rules.
type PingServiceConfig struct {
	// SingleActiveReservation rejects Open while the requester holds a committed ping.
	SingleActiveReservation bool
	MaxRadiusKm             float64
	// MaxReservationMinutes caps the hold a provider may offer.
	MaxReservationMinutes int
	Retry                   retry.Policy
	Now                     func() time.Time
}

// PingService implements the broadcaster, arbiter and tracker operations.
// It holds no locks: every transition relies on the store's conditional writes.
type PingService struct {
	store    domain.Store
	notifier domain.Notifier
	eventBus domain.EventPublisher
	cfg      PingServiceConfig
	now      func() time.Time
	newID    func() string
	logger   *zerolog.Logger
}

func NewPingService(store domain.Store, notifier domain.Notifier, eventBus domain.EventPublisher, cfg PingServiceConfig, logger *zerolog.Logger) *PingService {
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = models.DefaultMaxRadiusKm
	}
	if cfg.MaxReservationMinutes <= 0 {
		cfg.MaxReservationMinutes = models.DefaultMaxReservationMinutes
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := logger.With().Str("component", "ping_service").Logger()
	return &PingService{
		store:    store,
		notifier: notifier,
		eventBus: eventBus,
		cfg:      cfg,
		now:      now,
		newID:    uuid.NewString,
		logger:   &l,
	}
}

// do runs fn under the retry policy. retried reports whether any attempt hit
// a transient failure, in which case an earlier attempt may have landed.
func (s *PingService) do(ctx context.Context, fn func(context.Context) error) (retried bool, err error) {
	err = retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		e := fn(ctx)
		if domain.IsRetryable(e) {
			retried = true
		}
		return e
	})
	return retried, err
}

func (s *PingService) GetPing(ctx context.Context, id string) (*models.Ping, error) {
	var p *models.Ping
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		p, e = s.store.GetPing(ctx, id)
		return e
	})
	return p, err
}

// ListOpenPings is the provider view: every open ping.
func (s *PingService) ListOpenPings(ctx context.Context) ([]*models.Ping, error) {
	var out []*models.Ping
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		out, e = s.store.ListOpenPings(ctx)
		return e
	})
	return out, err
}

// ListCommittedPings is the requester view: the requester's committed pings.
func (s *PingService) ListCommittedPings(ctx context.Context, requesterID string) ([]*models.Ping, error) {
	var out []*models.Ping
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		out, e = s.store.ListCommittedByRequester(ctx, requesterID)
		return e
	})
	return out, err
}

func (s *PingService) ListResponses(ctx context.Context, pingID string) ([]*models.Response, error) {
	var out []*models.Response
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		out, e = s.store.ListResponses(ctx, pingID)
		return e
	})
	return out, err
}

// ListNoShows returns the provider's no-show reports.
func (s *PingService) ListNoShows(ctx context.Context, providerID string) ([]*models.NoShow, error) {
	var out []*models.NoShow
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		out, e = s.store.ListNoShowsByProvider(ctx, providerID)
		return e
	})
	return out, err
}

// NoShowCount returns how many of the requester's reservations expired unclaimed.
func (s *PingService) NoShowCount(ctx context.Context, requesterID string) (int, error) {
	var n int
	_, err := s.do(ctx, func(ctx context.Context) error {
		var e error
		n, e = s.store.CountNoShowsByRequester(ctx, requesterID)
		return e
	})
	return n, err
}

// reload fetches the current ping after a lost CAS.
func (s *PingService) reload(ctx context.Context, id string, cause error) (*models.Ping, error) {
	p, err := s.GetPing(ctx, id)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return p, nil
}

func (s *PingService) publish(eventType string, p *models.Ping) {
	if s.eventBus == nil || p == nil {
		return
	}
	if err := s.eventBus.PublishJSON(eventType, pingPayload(p, s.now())); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("ping_id", p.ID).Msg("publish event error")
	}
}

func pingPayload(p *models.Ping, at time.Time) events.PingEventPayload {
	payload := events.PingEventPayload{
		PingID:      p.ID,
		RequesterID: p.RequesterID,
		ItemName:    p.ItemName,
		Urgency:     p.Urgency,
		Status:      p.Status,
		RadiusKm:    p.RadiusKm,
		OccurredAt:  at,
	}
	if cr := p.CommittedResponse; cr != nil {
		payload.ProviderID = cr.ProviderID
		payload.ReservationMinutes = cr.ReservationMinutes
		payload.ExpiresAt = cr.ExpiresAt()
	}
	return payload
}
