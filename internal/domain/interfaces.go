package domain

import (
	"context"
	"time"

	"pingpick/internal/models"
)

// PingStore is the Record Store contract for Pings and Responses.
// Every status mutation is a conditional write: it succeeds only if the stored
// status still matches the expected one, otherwise it returns ErrStaleState.
type PingStore interface {
	CreatePing(ctx context.Context, ping *models.Ping) error
	GetPing(ctx context.Context, id string) (*models.Ping, error)
	// CommitResponse records resp and, when resp is available, promotes it
	// (open -> committed). committed is false when the promotion lost.
	CommitResponse(ctx context.Context, resp *models.Response) (committed bool, err error)
	SaveResponse(ctx context.Context, resp *models.Response) error
	ListResponses(ctx context.Context, pingID string) ([]*models.Response, error)
	CancelPing(ctx context.Context, id string, at time.Time) error
	CompletePing(ctx context.Context, id, confirmedBy string, at time.Time) error
	ExpirePing(ctx context.Context, id string, now time.Time) (*models.NoShow, error)
	ExpandRadius(ctx context.Context, id string, radiusKm float64, at time.Time) error
	ListOpenPings(ctx context.Context) ([]*models.Ping, error)
	ListCommittedByRequester(ctx context.Context, requesterID string) ([]*models.Ping, error)
	ListDueReservations(ctx context.Context, now time.Time, limit int) ([]*models.Ping, error)
	HasCommittedPing(ctx context.Context, requesterID string) (bool, error)
	ListNoShowsByProvider(ctx context.Context, providerID string) ([]*models.NoShow, error)
	CountNoShowsByRequester(ctx context.Context, requesterID string) (int, error)
}

// AlertStore is the append-only Alert log plus recipient-managed read/delete.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, recipientID string, limit int) ([]*models.Alert, error)
	MarkAlertRead(ctx context.Context, recipientID, alertID string) error
	MarkAllAlertsRead(ctx context.Context, recipientID string) (int64, error)
	DeleteAlerts(ctx context.Context, recipientID string) (int64, error)
}

// Store is the full Record Store.
type Store interface {
	PingStore
	AlertStore
	Ping(ctx context.Context) error
}

// ChangeFeed fans store changes out to watchers. Signals are coalesced:
// a watcher re-reads its view on every signal.
type ChangeFeed interface {
	Subscribe(topic string) (<-chan struct{}, func())
}

// Notifier appends Alerts. Emission never fails the caller.
type Notifier interface {
	Emit(ctx context.Context, recipientID, kind, pingID, message string)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Coordinator holds cross-replica coordination state (leases, rate limits).
type Coordinator interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PushDispatcher hands Alerts to best-effort out-of-band delivery.
type PushDispatcher interface {
	Enqueue(ctx context.Context, alert *models.Alert) error
}
