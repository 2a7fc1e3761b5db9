package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pingpick/internal/database"
	"pingpick/internal/events"
	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	db       *database.DB
	hub      *events.Hub
	bus      *events.EventBus
	clock    *testClock
	svc      *PingService
	notifier *AlertNotifier
	sweeper  *Sweeper
	alerts   *AlertService
	watch    *WatchService
}

func newTestEnv(t *testing.T, cfg PingServiceConfig) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "pingpick.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := events.NewHub()
	db.SetHub(hub)
	bus := events.NewEventBus()
	clock := newTestClock()

	notifier := NewAlertNotifier(db, nil, fastRetry, &logger)
	notifier.now = clock.Now

	cfg.Now = clock.Now
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = fastRetry
	}
	svc := NewPingService(db, notifier, bus, cfg, &logger)

	sweeper := NewSweeper(db, notifier, bus, nil, time.Minute, fastRetry, &logger)
	sweeper.SetClock(clock.Now)

	return &testEnv{
		db:       db,
		hub:      hub,
		bus:      bus,
		clock:    clock,
		svc:      svc,
		notifier: notifier,
		sweeper:  sweeper,
		alerts:   NewAlertService(db, fastRetry, &logger),
		watch:    NewWatchService(db, hub, &logger),
	}
}

func (e *testEnv) open(t *testing.T, requesterID string) *models.Ping {
	t.Helper()
	p, err := e.svc.Open(context.Background(), OpenRequest{
		ItemName:    "Insulin glargine",
		Urgency:     models.UrgencyEmergency,
		RequesterID: requesterID,
		Location:    models.Location{Lat: 9.0765, Lng: 7.3986},
		RadiusKm:    3,
	})
	require.NoError(t, err)
	return p
}

func minutes(n int) *int { return &n }

func acceptReq(pingID, providerID string, mins int) RespondRequest {
	return RespondRequest{
		PingID:             pingID,
		ProviderID:         providerID,
		ProviderName:       "Pharmacy " + providerID,
		Available:          true,
		ReservationMinutes: minutes(mins),
		DistanceKm:         0.8,
		Price:              4200,
	}
}

func alertKinds(t *testing.T, e *testEnv, recipientID string) []string {
	t.Helper()
	alerts, err := e.db.ListAlerts(context.Background(), recipientID, 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(alerts))
	// oldest first
	for i := len(alerts) - 1; i >= 0; i-- {
		kinds = append(kinds, alerts[i].Kind)
	}
	return kinds
}
