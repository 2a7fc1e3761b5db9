package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pingpick/internal/config"
	"pingpick/internal/database"
	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/models"
	"pingpick/internal/repository"
	"pingpick/internal/retry"
	"pingpick/internal/service"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRetry = retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

type testAPI struct {
	db     *database.DB
	server *HTTPServer
	ts     *httptest.Server
}

func newTestAPI(t *testing.T, cfg config.APIConfig, limit config.RespondRateLimitConfig) *testAPI {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := events.NewHub()
	db.SetHub(hub)

	notifier := service.NewAlertNotifier(db, nil, testRetry, &logger)
	pings := service.NewPingService(db, notifier, events.NewEventBus(), service.PingServiceConfig{Retry: testRetry}, &logger)

	srv := NewHTTPServer(cfg, limit, Services{
		Pings:       pings,
		Alerts:      service.NewAlertService(db, testRetry, &logger),
		Watch:       service.NewWatchService(db, hub, &logger),
		Coordinator: repository.NewMemoryCoordinator(),
		Health:      db.Ping,
	}, &logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testAPI{db: db, server: srv, ts: ts}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (a *testAPI) openPing(t *testing.T, requesterID string) models.Ping {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/api/v1/pings", map[string]any{
		"itemName":    "Amoxicillin",
		"urgency":     "emergency",
		"requesterId": requesterID,
		"location":    map[string]float64{"lat": 6.5244, "lng": 3.3792},
		"radiusKm":    5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p models.Ping
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func accept(providerID string, minutes int) map[string]any {
	return map[string]any{
		"providerId":         providerID,
		"providerName":       "Pharmacy " + providerID,
		"available":          true,
		"reservationMinutes": minutes,
		"distanceKm":         1.2,
		"price":              3500,
	}
}

func decodeRespond(t *testing.T, body []byte) service.RespondResult {
	t.Helper()
	var res service.RespondResult
	require.NoError(t, json.Unmarshal(body, &res))
	return res
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})

	resp, _ := api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.NoError(t, api.db.Close())
	resp, _ = api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpenAndGetPing(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	p := api.openPing(t, "u1")
	assert.Equal(t, models.StatusOpen, p.Status)
	assert.Equal(t, 5.0, p.RadiusKm)

	resp, body := api.do(t, http.MethodGet, "/api/v1/pings/"+p.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Ping
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, p.ID, got.ID)
	assert.Nil(t, got.CommittedResponse)

	resp, body = api.do(t, http.MethodGet, "/api/v1/pings/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Pings []models.Ping `json:"pings"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Pings, 1)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/pings/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenRejectsBadInput(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})

	tests := []struct {
		name string
		body any
	}{
		{"malformed", "{"},
		{"unknown field", map[string]any{"itemName": "x", "requesterId": "u1", "radiusKm": 1, "color": "red"}},
		{"missing item", map[string]any{"requesterId": "u1", "radiusKm": 1}},
		{"zero radius", map[string]any{"itemName": "x", "requesterId": "u1", "radiusKm": 0}},
		{"bad urgency", map[string]any{"itemName": "x", "requesterId": "u1", "radiusKm": 1, "urgency": "asap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := api.do(t, http.MethodPost, "/api/v1/pings", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestRespondLifecycle(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	p := api.openPing(t, "u1")
	base := "/api/v1/pings/" + p.ID

	resp, body := api.do(t, http.MethodPost, base+"/responses", map[string]any{"providerId": "ph0", "available": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decodeRespond(t, body).Accepted)

	resp, body = api.do(t, http.MethodPost, base+"/responses", accept("ph1", 0))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodPost, base+"/responses", accept("ph1", 200_000_000))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodPost, base+"/responses", accept("ph1", 20))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decodeRespond(t, body).Accepted)

	resp, body = api.do(t, http.MethodPost, base+"/responses", accept("ph2", 20))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	lost := decodeRespond(t, body)
	assert.False(t, lost.Accepted)
	assert.Equal(t, service.MsgAlreadyReserved, lost.Message)

	resp, body = api.do(t, http.MethodPost, base+"/responses", map[string]any{"providerId": "ph1", "available": false})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodGet, base+"/responses", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Responses []models.Response `json:"responses"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Len(t, history.Responses, 3)

	resp, body = api.do(t, http.MethodGet, base+"/reservation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res reservationResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "ph1", res.ProviderID)
	assert.InDelta(t, 20*60, res.RemainingSeconds, 5)

	resp, body = api.do(t, http.MethodGet, "/api/v1/requesters/u1/pings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), p.ID)

	resp, _ = api.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "committed pings cannot be cancelled")

	resp, _ = api.do(t, http.MethodPost, base+"/complete", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for i := 0; i < 2; i++ {
		resp, body = api.do(t, http.MethodPost, base+"/complete", map[string]any{"confirmedBy": "u1"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, _ = api.do(t, http.MethodPost, base+"/responses", accept("ph3", 20))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelAndExpandRadius(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	p := api.openPing(t, "u1")
	base := "/api/v1/pings/" + p.ID

	resp, body := api.do(t, http.MethodPost, base+"/radius", map[string]any{"radiusKm": 12})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var grown models.Ping
	require.NoError(t, json.Unmarshal(body, &grown))
	assert.Equal(t, 12.0, grown.RadiusKm)

	resp, _ = api.do(t, http.MethodPost, base+"/radius", map[string]any{"radiusKm": 4})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, base+"/radius", map[string]any{"radiusKm": 20})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAlertEndpoints(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	p := api.openPing(t, "u1")
	resp, _ := api.do(t, http.MethodPost, "/api/v1/pings/"+p.ID+"/responses", accept("ph1", 15))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/api/v1/alerts/u1?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inbox struct {
		Alerts []models.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(body, &inbox))
	require.Len(t, inbox.Alerts, 1)
	assert.Equal(t, models.AlertKindResponse, inbox.Alerts[0].Kind)
	assert.False(t, inbox.Alerts[0].Read)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/alerts/u1?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/alerts/u1/"+inbox.Alerts[0].ID+"/read", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/api/v1/alerts/ph1/"+inbox.Alerts[0].ID+"/read", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/api/v1/alerts/ph1/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"updated":1}`, string(body))

	resp, body = api.do(t, http.MethodDelete, "/api/v1/alerts/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":1}`, string(body))
}

func TestNoShowEndpoints(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})

	resp, body := api.do(t, http.MethodGet, "/api/v1/requesters/u1/no-shows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"requesterId":"u1","count":0}`, string(body))

	resp, body = api.do(t, http.MethodGet, "/api/v1/providers/ph1/no-shows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"noShows":[]}`, string(body))
}

func TestRespondRateLimit(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{Limit: 1, Window: time.Minute})
	p := api.openPing(t, "u1")
	path := "/api/v1/pings/" + p.ID + "/responses"

	resp, _ := api.do(t, http.MethodPost, path, map[string]any{"providerId": "ph1", "available": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, path, map[string]any{"providerId": "ph1", "available": false})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, path, map[string]any{"providerId": "ph2", "available": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "limit is per provider")
}

func TestHTTPAuth(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "reader", Extra: "r-extra", Permissions: []string{permReadPings}},
				{Key: "admin", Extra: "a-extra"},
			},
		},
	}
	api := newTestAPI(t, cfg, config.RespondRateLimitConfig{})

	resp, _ := api.do(t, http.MethodGet, "/api/v1/pings/open", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/pings/open", nil, "X-Api-Key", "reader", "X-Api-Extra", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/v1/pings/open", nil, "X-Api-Key", "reader", "X-Api-Extra", "r-extra")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	open := map[string]any{"itemName": "x", "requesterId": "u1", "radiusKm": 1}
	resp, _ = api.do(t, http.MethodPost, "/api/v1/pings", open, "X-Api-Key", "reader", "X-Api-Extra", "r-extra")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/v1/pings", open, "X-Api-Key", "admin", "X-Api-Extra", "a-extra")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestHTTPRateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		HTTP:      config.APIHTTPConfig{Enabled: true},
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	api := newTestAPI(t, cfg, config.RespondRateLimitConfig{})

	resp, _ := api.do(t, http.MethodGet, "/api/v1/pings/open", nil, "X-Api-Key", "k1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/api/v1/pings/open", nil, "X-Api-Key", "k1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/api/v1/pings/open", nil, "X-Api-Key", "k2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreUnavailable(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	require.NoError(t, api.db.Close())

	resp, body := api.do(t, http.MethodGet, "/api/v1/pings/open", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "try again")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalid("bad"), http.StatusBadRequest},
		{domain.ErrActiveReservation, http.StatusConflict},
		{fmt.Errorf("wrap: %w", domain.ErrStaleState), http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.Unavailable("op", errors.New("io")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWatchOpenPingsWebsocket(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})

	url := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/api/v1/watch/pings/open"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	readFrame := func() snapshotFrame[models.Ping] {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame snapshotFrame[models.Ping]
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	first := readFrame()
	assert.Equal(t, "pings", first.Type)
	assert.Empty(t, first.Data)

	p := api.openPing(t, "u1")
	var frame snapshotFrame[models.Ping]
	for len(frame.Data) == 0 {
		frame = readFrame()
	}
	require.Len(t, frame.Data, 1)
	assert.Equal(t, p.ID, frame.Data[0].ID)
}

func TestWatchAlertsWebsocket(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{}, config.RespondRateLimitConfig{})
	p := api.openPing(t, "u1")

	url := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/api/v1/watch/alerts/ph1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame snapshotFrame[models.Alert]
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Empty(t, frame.Data)

	resp, _ := api.do(t, http.MethodPost, "/api/v1/pings/"+p.ID+"/responses", accept("ph1", 10))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for len(frame.Data) == 0 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&frame))
	}
	assert.Equal(t, models.AlertKindReservation, frame.Data[0].Kind)
}

func TestHTTPServerStartShutdown(t *testing.T) {
	api := newTestAPI(t, config.APIConfig{HTTP: config.APIHTTPConfig{Port: 0}}, config.RespondRateLimitConfig{})

	errCh := make(chan error, 1)
	go func() { errCh <- api.server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, api.server.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
