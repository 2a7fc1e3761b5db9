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
	"pingpick/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sweeperLease = "expiry-sweeper"

// SweepResult summarizes one pass.
type SweepResult struct {
	Due     int
	Expired int
	Skipped int
	Failed  int
	Leader  bool
}

// Sweeper expires committed reservations whose hold ran out. It runs on its
// own schedule whether or not any client is connected.
type Sweeper struct {
	store     domain.PingStore
	notifier  domain.Notifier
	eventBus  domain.EventPublisher
	coord     domain.Coordinator
	interval  time.Duration
	batchSize int
	owner     string
	policy    retry.Policy
	now       func() time.Time
	logger    *zerolog.Logger
}

// NewSweeper builds a sweeper. coord may be nil for a single replica.
func NewSweeper(store domain.PingStore, notifier domain.Notifier, eventBus domain.EventPublisher, coord domain.Coordinator, interval time.Duration, policy retry.Policy, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = models.DefaultSweepInterval * time.Second
	}
	l := logger.With().Str("component", "sweeper").Logger()
	return &Sweeper{
		store:     store,
		notifier:  notifier,
		eventBus:  eventBus,
		coord:     coord,
		interval:  interval,
		batchSize: models.SweepBatchSize,
		owner:     uuid.NewString(),
		policy:    policy,
		now:       time.Now,
		logger:    &l,
	}
}

// SetClock overrides the time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Sweeper started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.coord != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = s.coord.ReleaseLease(releaseCtx, sweeperLease, s.owner)
				cancel()
			}
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-timer.C:
			res := s.SweepOnce(ctx)
			if res.Expired > 0 || res.Failed > 0 {
				s.logger.Info().
					Int("due", res.Due).
					Int("expired", res.Expired).
					Int("failed", res.Failed).
					Msg("Sweep finished")
			}
			timer.Reset(s.interval)
		}
	}
}

// SweepOnce runs one pass. A failure on one ping never aborts the rest.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	start := time.Now()

	if s.coord != nil {
		ok, err := s.coord.AcquireLease(ctx, sweeperLease, s.owner, 2*s.interval)
		if err != nil {
			// Sweeping without the lease is safe; expiry is a CAS.
			s.logger.Warn().Err(err).Msg("Sweeper lease unavailable, sweeping anyway")
		} else if !ok {
			s.logger.Debug().Msg("Another replica holds the sweeper lease")
			return res
		}
	}
	res.Leader = true

	now := s.now()
	for {
		var due []*models.Ping
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			var e error
			due, e = s.store.ListDueReservations(ctx, now, s.batchSize)
			return e
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to list due reservations")
			res.Failed++
			break
		}

		expired := 0
		for _, p := range due {
			res.Due++
			switch err := s.expire(ctx, p, now); {
			case err == nil:
				expired++
			case errors.Is(err, domain.ErrStaleState):
				res.Skipped++
				s.logger.Debug().Err(err).Str("ping_id", p.ID).Msg("Ping moved on before expiry")
			default:
				res.Failed++
				s.logger.Error().Err(err).Str("ping_id", p.ID).Msg("Failed to expire ping")
			}
		}
		res.Expired += expired

		if len(due) < s.batchSize || expired == 0 || ctx.Err() != nil {
			break
		}
	}

	metrics.ObserveSweep(res.Expired, res.Failed, time.Since(start))
	return res
}

func (s *Sweeper) expire(ctx context.Context, p *models.Ping, now time.Time) error {
	if !models.Due(p, now) {
		return fmt.Errorf("%w: ping %s not due", domain.ErrStaleState, p.ID)
	}

	var (
		ns      *models.NoShow
		retried bool
	)
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var e error
		ns, e = s.store.ExpirePing(ctx, p.ID, now)
		if domain.IsRetryable(e) {
			retried = true
		}
		return e
	})
	if errors.Is(err, domain.ErrStaleState) && retried {
		// An earlier attempt may have landed before its acknowledgement was lost.
		if cur, gerr := s.store.GetPing(ctx, p.ID); gerr == nil && cur.Status == models.StatusExpired {
			ns, err = noShowOf(cur), nil
		}
	}
	if err != nil {
		return err
	}

	p.Status = models.StatusExpired
	metrics.IncTransition(models.StatusExpired)

	s.notifier.Emit(ctx, ns.ProviderID, models.AlertKindNoShow, p.ID,
		fmt.Sprintf("Reservation for %s expired at %s without pickup.", ns.ItemName, ns.ExpiredAt.Format("15:04 MST")))
	s.notifier.Emit(ctx, ns.RequesterID, models.AlertKindNoShow, p.ID,
		fmt.Sprintf("Your reservation for %s timed out after %d minutes and was released.", ns.ItemName, ns.ReservationMinutes))

	if s.eventBus != nil {
		if err := s.eventBus.PublishJSON(events.EventPingExpired, pingPayload(p, now)); err != nil {
			s.logger.Error().Err(err).Str("ping_id", p.ID).Msg("publish event error")
		}
	}
	s.logger.Info().Str("ping_id", p.ID).Str("provider_id", ns.ProviderID).Msg("Reservation expired")
	return nil
}

func noShowOf(p *models.Ping) *models.NoShow {
	cr := p.CommittedResponse
	return &models.NoShow{
		PingID:             p.ID,
		ProviderID:         cr.ProviderID,
		RequesterID:        p.RequesterID,
		ItemName:           p.ItemName,
		ReservationMinutes: cr.ReservationMinutes,
		ReservedAt:         cr.RespondedAt,
		ExpiredAt:          cr.ExpiresAt(),
	}
}
