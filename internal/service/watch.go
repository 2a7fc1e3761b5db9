package service

import (
	"context"

	"pingpick/internal/domain"
	"pingpick/internal/events"
	"pingpick/internal/models"

	"github.com/rs/zerolog"
)

// WatchService turns store change signals into snapshot streams. Each stream
// first yields the current view and then a fresh view after every change. A
// slow reader only ever sees the latest snapshot.
type WatchService struct {
	store  domain.Store
	feed   domain.ChangeFeed
	logger *zerolog.Logger
}

func NewWatchService(store domain.Store, feed domain.ChangeFeed, logger *zerolog.Logger) *WatchService {
	l := logger.With().Str("component", "watch").Logger()
	return &WatchService{store: store, feed: feed, logger: &l}
}

// WatchPingsForRequester streams the requester's committed pings.
func (w *WatchService) WatchPingsForRequester(ctx context.Context, requesterID string) (<-chan []*models.Ping, error) {
	return watch(ctx, w, events.RequesterTopic(requesterID), func(ctx context.Context) ([]*models.Ping, error) {
		return w.store.ListCommittedByRequester(ctx, requesterID)
	})
}

// WatchOpenPings streams every open ping to providers.
func (w *WatchService) WatchOpenPings(ctx context.Context) (<-chan []*models.Ping, error) {
	return watch(ctx, w, events.TopicOpenPings, w.store.ListOpenPings)
}

// WatchAlerts streams the recipient's inbox, newest first.
func (w *WatchService) WatchAlerts(ctx context.Context, recipientID string, limit int) (<-chan []*models.Alert, error) {
	return watch(ctx, w, events.AlertTopic(recipientID), func(ctx context.Context) ([]*models.Alert, error) {
		return w.store.ListAlerts(ctx, recipientID, limit)
	})
}

func watch[T any](ctx context.Context, w *WatchService, topic string, load func(context.Context) (T, error)) (<-chan T, error) {
	// Subscribe before the first read so no change falls in between.
	signal, cancel := w.feed.Subscribe(topic)

	latest, err := load(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer cancel()

		pending := true
		for {
			var send chan<- T
			if pending {
				send = out
			}

			select {
			case <-ctx.Done():
				return
			case send <- latest:
				pending = false
			case _, ok := <-signal:
				if !ok {
					return
				}
				v, err := load(ctx)
				if err != nil {
					w.logger.Warn().Err(err).Str("topic", topic).Msg("Watch reload failed")
					continue
				}
				latest, pending = v, true
			}
		}
	}()
	return out, nil
}
