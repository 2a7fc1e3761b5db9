package api

import (
	"context"
	"net/http"
	"time"

	"pingpick/internal/metrics"
	"pingpick/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// snapshotFrame is one websocket message: the full current view.
type snapshotFrame[T any] struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []T       `json:"data"`
}

func (s *HTTPServer) handleWatchOpenPings(w http.ResponseWriter, r *http.Request) {
	serveWatch(s, w, r, "pings", s.svc.Watch.WatchOpenPings)
}

func (s *HTTPServer) handleWatchRequester(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	serveWatch(s, w, r, "pings", func(ctx context.Context) (<-chan []*models.Ping, error) {
		return s.svc.Watch.WatchPingsForRequester(ctx, id)
	})
}

func (s *HTTPServer) handleWatchAlerts(w http.ResponseWriter, r *http.Request) {
	recipient := mux.Vars(r)["recipient"]
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	serveWatch(s, w, r, "alerts", func(ctx context.Context) (<-chan []*models.Alert, error) {
		return s.svc.Watch.WatchAlerts(ctx, recipient, limit)
	})
}

// serveWatch opens the stream before upgrading so store failures still get a
// plain HTTP error, then pushes every snapshot until either side goes away.
func serveWatch[T any](s *HTTPServer, w http.ResponseWriter, r *http.Request, kind string, open func(context.Context) (<-chan []T, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := open(ctx)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	done := metrics.WatcherOpened()
	defer done()

	// The reader only exists to notice the client going away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snapshotFrame[T]{Type: kind, At: time.Now().UTC(), Data: nonNil(snap)}); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
