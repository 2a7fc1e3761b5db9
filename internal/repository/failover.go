package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pingpick/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverCoordinator uses primary (Redis) while it answers and the fallback
// (memory) otherwise, retrying the primary once a minute. While degraded each
// replica holds its own leases; the store's CAS still keeps transitions single.
type FailoverCoordinator struct {
	primary   domain.Coordinator
	fallback  domain.Coordinator
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverCoordinator(primary, fallback domain.Coordinator, logger *zerolog.Logger) *FailoverCoordinator {
	return &FailoverCoordinator{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to the primary.
func (r *FailoverCoordinator) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Try to recover after 1 minute
	if r.now().Sub(r.lastCheck) > time.Minute {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverCoordinator) observe(err error) {
	if err == nil {
		if r.isDown.Swap(false) {
			r.logger.Info().Msg("Primary coordinator recovered")
		}
		return
	}
	r.logger.Error().Err(err).Msg("Primary coordinator failed, falling back to memory")
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
	r.isDown.Store(true)
}

func (r *FailoverCoordinator) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.AcquireLease(ctx, name, owner, ttl)
		r.observe(err)
		if err == nil {
			return ok, nil
		}
	}
	return r.fallback.AcquireLease(ctx, name, owner, ttl)
}

func (r *FailoverCoordinator) ReleaseLease(ctx context.Context, name, owner string) error {
	// Both sides may hold it after a failover.
	_ = r.fallback.ReleaseLease(ctx, name, owner)
	if r.isDown.Load() {
		return nil
	}
	err := r.primary.ReleaseLease(ctx, name, owner)
	r.observe(err)
	return nil
}

func (r *FailoverCoordinator) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		r.observe(err)
		if err == nil {
			return allowed, nil
		}
	}
	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
