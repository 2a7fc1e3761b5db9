package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryCoordinator is the single-process Coordinator.
type MemoryCoordinator struct {
	mu         sync.Mutex
	leases     map[string]lease
	rateLimits map[string]*rateLimitEntry
	now        func() time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		leases:     make(map[string]lease),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
}

func (r *MemoryCoordinator) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if l, ok := r.leases[name]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	r.leases[name] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (r *MemoryCoordinator) ReleaseLease(_ context.Context, name, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.leases[name]; ok && l.owner == owner {
		delete(r.leases, name)
	}
	return nil
}

func (r *MemoryCoordinator) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	}
	entry.count++

	return entry.count <= limit, nil
}
