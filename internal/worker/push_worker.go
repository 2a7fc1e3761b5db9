package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pingpick/internal/config"
	"pingpick/internal/metrics"
	"pingpick/internal/models"
	"pingpick/internal/retry"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Push delivery results, used as metric labels.
const (
	PushDelivered = "delivered"
	PushRetry     = "retry"
	PushDead      = "dead"
	PushDropped   = "dropped"
)

// PushTask is one alert on its way to the webhook.
type PushTask struct {
	Alert     *models.Alert `json:"alert"`
	Attempt   int           `json:"attempt"`
	LastError string        `json:"last_error,omitempty"`
}

// permanentError marks a webhook rejection that retrying cannot fix.
type permanentError struct {
	status int
	err    error
}

func (e *permanentError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("webhook rejected alert with status %d", e.status)
}

// PushWorker delivers alerts to a webhook. Tasks go through redis when it is
// configured and through an in-memory queue otherwise.
type PushWorker struct {
	client        *http.Client
	webhookURL    string
	redis         *redis.Client
	retryPolicy   retry.Policy
	queue         chan PushTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	logger        *zerolog.Logger

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
}

// NewPushWorker builds a worker with sane defaults. redisClient may be nil.
func NewPushWorker(cfg config.PushConfig, redisClient *redis.Client, logger *zerolog.Logger) *PushWorker {
	policy := cfg.Retry.Policy()
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = 2 * time.Second
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.BackoffFactor == 0 {
		policy.BackoffFactor = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	queueKey := cfg.QueueKey
	if queueKey == "" {
		queueKey = "pingpick:push:queue"
	}
	deadKey := cfg.DeadLetterKey
	if deadKey == "" {
		deadKey = "pingpick:push:dead"
	}

	l := logger.With().Str("component", "push_worker").Logger()
	return &PushWorker{
		client:        &http.Client{Timeout: timeout},
		webhookURL:    cfg.WebhookURL,
		redis:         redisClient,
		retryPolicy:   policy,
		queue:         make(chan PushTask, 256),
		redisQueueKey: queueKey,
		deadLetterKey: deadKey,
		pollInterval:  time.Second,
		logger:        &l,
		pending:       make(map[*time.Timer]struct{}),
	}
}

// Enqueue schedules alert for delivery. It never blocks on the webhook.
func (w *PushWorker) Enqueue(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.ID == "" {
		return errors.New("alert id is required")
	}
	return w.schedule(ctx, PushTask{Alert: alert})
}

func (w *PushWorker) schedule(ctx context.Context, task PushTask) error {
	// Try redis first for durability.
	if w.redis != nil {
		if err := w.pushRedis(ctx, w.redisQueueKey, task); err != nil {
			w.logger.Warn().Err(err).Str("alert_id", task.Alert.ID).Msg("redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
		return nil
	default:
		metrics.IncPush(PushDropped)
		return fmt.Errorf("push queue full, alert %s dropped", task.Alert.ID)
	}
}

// Start runs the delivery loop until ctx is done.
func (w *PushWorker) Start(ctx context.Context) {
	w.logger.Info().Bool("redis", w.redis != nil).Msg("Push worker started")
	defer w.logger.Info().Msg("Push worker stopped")
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if w.redis != nil {
			if t, ok := w.tryRedis(ctx); ok {
				w.processTask(ctx, &t)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			w.processTask(ctx, &t)
		}
	}
}

func (w *PushWorker) tryLocalQueue() (PushTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return PushTask{}, false
	}
}

func (w *PushWorker) tryRedis(ctx context.Context) (PushTask, bool) {
	res, err := w.redis.BRPop(ctx, w.pollInterval, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return PushTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		select {
		case <-ctx.Done():
		case <-time.After(w.pollInterval):
		}
		return PushTask{}, false
	}
	if len(res) != 2 {
		return PushTask{}, false
	}
	var task PushTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil || task.Alert == nil {
		w.logger.Error().Err(err).Msg("decode redis push task")
		return PushTask{}, false
	}
	return task, true
}

func (w *PushWorker) processTask(ctx context.Context, task *PushTask) {
	err := w.deliver(ctx, task.Alert)
	if err == nil {
		metrics.IncPush(PushDelivered)
		w.logger.Debug().Str("alert_id", task.Alert.ID).Int("attempt", task.Attempt+1).Msg("Alert pushed")
		return
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		task.LastError = err.Error()
		w.failTask(ctx, task)
		return
	}
	w.retryOrFail(ctx, task, err)
}

type pushBody struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipientId"`
	Kind        string    `json:"kind"`
	PingID      string    `json:"pingId"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (w *PushWorker) deliver(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(pushBody{
		ID:          alert.ID,
		RecipientID: alert.RecipientID,
		Kind:        alert.Kind,
		PingID:      alert.PingID,
		Message:     alert.Message,
		CreatedAt:   alert.CreatedAt,
	})
	if err != nil {
		return &permanentError{err: fmt.Errorf("encode alert: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// receivers deduplicate on this header
	req.Header.Set("Idempotency-Key", alert.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode}
	}
}

func (w *PushWorker) retryOrFail(ctx context.Context, task *PushTask, cause error) {
	task.Attempt++
	task.LastError = cause.Error()
	if task.Attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task)
		return
	}

	metrics.IncPush(PushRetry)
	delay := w.retryPolicy.NextDelay(task.Attempt)
	w.logger.Warn().Err(cause).
		Str("alert_id", task.Alert.ID).
		Int("attempt", task.Attempt).
		Dur("next_in", delay).
		Msg("Push failed, will retry")

	retryTask := *task
	w.after(delay, func() {
		if err := w.schedule(context.Background(), retryTask); err != nil {
			w.logger.Error().Err(err).Str("alert_id", retryTask.Alert.ID).Msg("requeue push task")
		}
	})
}

func (w *PushWorker) failTask(ctx context.Context, task *PushTask) {
	metrics.IncPush(PushDead)
	w.logger.Error().
		Str("alert_id", task.Alert.ID).
		Str("recipient_id", task.Alert.RecipientID).
		Int("attempt", task.Attempt).
		Str("last_error", task.LastError).
		Msg("Push gave up")

	if w.redis == nil {
		return
	}
	if err := w.pushRedis(ctx, w.deadLetterKey, *task); err != nil {
		w.logger.Error().Err(err).Str("alert_id", task.Alert.ID).Msg("dead letter push failed")
	}
}

func (w *PushWorker) pushRedis(ctx context.Context, key string, task PushTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}

// after runs fn once delay has passed unless the worker stops first.
func (w *PushWorker) after(delay time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.pending, t)
		w.mu.Unlock()
		fn()
	})
	w.pending[t] = struct{}{}
}

func (w *PushWorker) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for t := range w.pending {
		t.Stop()
		delete(w.pending, t)
	}
}
