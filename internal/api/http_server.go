package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"pingpick/internal/config"
	"pingpick/internal/domain"
	"pingpick/internal/metrics"
	"pingpick/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Services bundles what the HTTP API calls into.
type Services struct {
	Pings  *service.PingService
	Alerts *service.AlertService
	Watch  *service.WatchService
	// Coordinator backs the per-provider respond limit. Nil disables it.
	Coordinator domain.Coordinator
	Health      HealthCheck
}

// HTTPServer exposes the ping lifecycle over JSON and websockets.
type HTTPServer struct {
	cfg          config.APIConfig
	respondLimit config.RespondRateLimitConfig
	svc          Services
	router       *mux.Router
	server       *http.Server
	auth         *HTTPAuth
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	logger       *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, respondLimit config.RespondRateLimitConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	l := logger.With().Str("component", "http").Logger()
	srv := &HTTPServer{
		cfg:          cfg,
		respondLimit: respondLimit,
		svc:          svc,
		router:       mux.NewRouter(),
		auth:         NewHTTPAuth(cfg),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// browser clients are expected to authenticate with api keys
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: &l,
	}
	srv.routes()

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() {
	r := s.router
	r.Use(s.recoverMiddleware, s.requestIDMiddleware, s.observabilityMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	s.handle(api, "/pings", permWritePings, s.handleOpen, http.MethodPost)
	s.handle(api, "/pings/open", permReadPings, s.handleOpenPings, http.MethodGet)
	s.handle(api, "/pings/{id}", permReadPings, s.handleGetPing, http.MethodGet)
	s.handle(api, "/pings/{id}/responses", permWriteResponses, s.handleRespond, http.MethodPost)
	s.handle(api, "/pings/{id}/responses", permReadPings, s.handleListResponses, http.MethodGet)
	s.handle(api, "/pings/{id}/cancel", permWritePings, s.handleCancel, http.MethodPost)
	s.handle(api, "/pings/{id}/radius", permWritePings, s.handleExpandRadius, http.MethodPost)
	s.handle(api, "/pings/{id}/complete", permWritePings, s.handleComplete, http.MethodPost)
	s.handle(api, "/pings/{id}/reservation", permReadPings, s.handleReservation, http.MethodGet)

	s.handle(api, "/requesters/{id}/pings", permReadPings, s.handleRequesterPings, http.MethodGet)
	s.handle(api, "/requesters/{id}/no-shows", permReadPings, s.handleNoShowCount, http.MethodGet)
	s.handle(api, "/providers/{id}/no-shows", permReadPings, s.handleProviderNoShows, http.MethodGet)

	s.handle(api, "/alerts/{recipient}", permReadAlerts, s.handleListAlerts, http.MethodGet)
	s.handle(api, "/alerts/{recipient}", permWriteAlerts, s.handleClearAlerts, http.MethodDelete)
	s.handle(api, "/alerts/{recipient}/read", permWriteAlerts, s.handleMarkAllRead, http.MethodPost)
	s.handle(api, "/alerts/{recipient}/{alertId}/read", permWriteAlerts, s.handleMarkRead, http.MethodPost)

	s.handle(api, "/watch/pings/open", permReadPings, s.handleWatchOpenPings, http.MethodGet)
	s.handle(api, "/watch/requesters/{id}/pings", permReadPings, s.handleWatchRequester, http.MethodGet)
	s.handle(api, "/watch/alerts/{recipient}", permReadAlerts, s.handleWatchAlerts, http.MethodGet)
}

func (s *HTTPServer) handle(r *mux.Router, path, perm string, h http.HandlerFunc, method string) {
	r.Handle(path, s.auth.Require(perm, h)).Methods(method)
}

// Handler exposes the router for embedding and tests.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		if err := s.svc.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req service.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Pings.Open(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handleOpenPings(w http.ResponseWriter, r *http.Request) {
	pings, err := s.svc.Pings.ListOpenPings(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pings": nonNil(pings)})
}

func (s *HTTPServer) handleGetPing(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Pings.GetPing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req service.RespondRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.PingID = mux.Vars(r)["id"]

	if !s.allowRespond(r.Context(), req.ProviderID) {
		writeError(w, http.StatusTooManyRequests, "too many responses, slow down")
		return
	}

	res, err := s.svc.Pings.Respond(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// allowRespond applies the per-provider respond limit. Coordinator errors let
// the request through.
func (s *HTTPServer) allowRespond(ctx context.Context, providerID string) bool {
	if s.svc.Coordinator == nil || s.respondLimit.Limit <= 0 {
		return true
	}
	ok, err := s.svc.Coordinator.CheckRateLimit(ctx, "respond:"+providerID, s.respondLimit.Limit, s.respondLimit.Window)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", providerID).Msg("respond rate limit check failed")
		return true
	}
	return ok
}

func (s *HTTPServer) handleListResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := s.svc.Pings.ListResponses(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": nonNil(responses)})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Pings.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type expandRadiusRequest struct {
	RadiusKm float64 `json:"radiusKm" validate:"gt=0"`
}

func (s *HTTPServer) handleExpandRadius(w http.ResponseWriter, r *http.Request) {
	var req expandRadiusRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Pings.ExpandRadius(r.Context(), mux.Vars(r)["id"], req.RadiusKm)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type completeRequest struct {
	ConfirmedBy string `json:"confirmedBy" validate:"required,max=128"`
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.Pings.Complete(r.Context(), mux.Vars(r)["id"], req.ConfirmedBy)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type reservationResponse struct {
	PingID           string    `json:"pingId"`
	ProviderID       string    `json:"providerId"`
	Status           string    `json:"status"`
	ReservedAt       time.Time `json:"reservedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

func (s *HTTPServer) handleReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Pings.Reservation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{
		PingID:           res.PingID,
		ProviderID:       res.ProviderID,
		Status:           res.Status,
		ReservedAt:       res.ReservedAt,
		ExpiresAt:        res.ExpiresAt,
		RemainingSeconds: int64(res.Remaining / time.Second),
	})
}

func (s *HTTPServer) handleRequesterPings(w http.ResponseWriter, r *http.Request) {
	pings, err := s.svc.Pings.ListCommittedPings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pings": nonNil(pings)})
}

func (s *HTTPServer) handleNoShowCount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.svc.Pings.NoShowCount(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requesterId": id, "count": n})
}

func (s *HTTPServer) handleProviderNoShows(w http.ResponseWriter, r *http.Request) {
	reports, err := s.svc.Pings.ListNoShows(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noShows": nonNil(reports)})
}

func (s *HTTPServer) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	alerts, err := s.svc.Alerts.List(r.Context(), mux.Vars(r)["recipient"], limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(alerts)})
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Alerts.MarkAllRead(r.Context(), mux.Vars(r)["recipient"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.Alerts.MarkRead(r.Context(), vars["recipient"], vars["alertId"]); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Alerts.Clear(r.Context(), mux.Vars(r)["recipient"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 and returns false.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrActiveReservation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		msg = "temporarily unavailable, try again"
	case http.StatusInternalServerError:
		msg = "internal error"
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, code, msg)
}

type contextKey string

const requestIDKey contextKey = "request-id"

func (s *HTTPServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeTemplate(r)
		metrics.IncHTTP(route, recorder.status)
		s.logger.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Str("request_id", requestIDFromContext(r.Context())).
			Msg("http request")
	})
}

func (s *HTTPServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("panic recovered")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
