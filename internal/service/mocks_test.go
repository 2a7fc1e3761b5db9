package service

import (
	"context"
	"time"

	"pingpick/internal/models"

	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreatePing(ctx context.Context, p *models.Ping) error {
	return m.Called(ctx, p).Error(0)
}

func (m *mockStore) GetPing(ctx context.Context, id string) (*models.Ping, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Ping), args.Error(1)
}

func (m *mockStore) CommitResponse(ctx context.Context, r *models.Response) (bool, error) {
	args := m.Called(ctx, r)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) SaveResponse(ctx context.Context, r *models.Response) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockStore) ListResponses(ctx context.Context, pingID string) ([]*models.Response, error) {
	args := m.Called(ctx, pingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Response), args.Error(1)
}

func (m *mockStore) CancelPing(ctx context.Context, id string, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *mockStore) CompletePing(ctx context.Context, id, by string, at time.Time) error {
	return m.Called(ctx, id, by, at).Error(0)
}

func (m *mockStore) ExpirePing(ctx context.Context, id string, now time.Time) (*models.NoShow, error) {
	args := m.Called(ctx, id, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.NoShow), args.Error(1)
}

func (m *mockStore) ExpandRadius(ctx context.Context, id string, r float64, at time.Time) error {
	return m.Called(ctx, id, r, at).Error(0)
}

func (m *mockStore) ListOpenPings(ctx context.Context) ([]*models.Ping, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Ping), args.Error(1)
}

func (m *mockStore) ListCommittedByRequester(ctx context.Context, requesterID string) ([]*models.Ping, error) {
	args := m.Called(ctx, requesterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Ping), args.Error(1)
}

func (m *mockStore) ListDueReservations(ctx context.Context, now time.Time, limit int) ([]*models.Ping, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Ping), args.Error(1)
}

func (m *mockStore) HasCommittedPing(ctx context.Context, requesterID string) (bool, error) {
	args := m.Called(ctx, requesterID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ListNoShowsByProvider(ctx context.Context, providerID string) ([]*models.NoShow, error) {
	args := m.Called(ctx, providerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.NoShow), args.Error(1)
}

func (m *mockStore) CountNoShowsByRequester(ctx context.Context, requesterID string) (int, error) {
	args := m.Called(ctx, requesterID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockStore) ListAlerts(ctx context.Context, recipientID string, limit int) ([]*models.Alert, error) {
	args := m.Called(ctx, recipientID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Alert), args.Error(1)
}

func (m *mockStore) MarkAlertRead(ctx context.Context, recipientID, alertID string) error {
	return m.Called(ctx, recipientID, alertID).Error(0)
}

func (m *mockStore) MarkAllAlertsRead(ctx context.Context, recipientID string) (int64, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) DeleteAlerts(ctx context.Context, recipientID string) (int64, error) {
	args := m.Called(ctx, recipientID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type recordingNotifier struct {
	mock.Mock
}

func (n *recordingNotifier) Emit(ctx context.Context, recipientID, kind, pingID, message string) {
	n.Called(ctx, recipientID, kind, pingID, message)
}

type mockPush struct {
	mock.Mock
}

func (m *mockPush) Enqueue(ctx context.Context, a *models.Alert) error {
	return m.Called(ctx, a).Error(0)
}
