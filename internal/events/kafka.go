package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder streams bus events to a Kafka topic for downstream
// aggregation (no-show rates, history). Publishing never blocks the bus:
// events are buffered and dropped when the buffer is full.
type KafkaForwarder struct {
	writer  messageWriter
	queue   chan kafka.Message
	timeout time.Duration
	logger  zerolog.Logger
}

func NewKafkaForwarder(brokers []string, topic string, logger *zerolog.Logger) *KafkaForwarder {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaForwarder(w, logger)
}

func newKafkaForwarder(w messageWriter, logger *zerolog.Logger) *KafkaForwarder {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "kafka_forwarder").Logger()
	}
	return &KafkaForwarder{
		writer:  w,
		queue:   make(chan kafka.Message, 256),
		timeout: 2 * time.Second,
		logger:  l,
	}
}

// Handle is an EventHandler; subscribe it with bus.Subscribe(AllEvents, f.Handle).
func (f *KafkaForwarder) Handle(event *Event) error {
	var key struct {
		PingID string `json:"ping_id"`
	}
	_ = json.Unmarshal(event.Payload, &key)

	msg := kafka.Message{
		Key:   []byte(key.PingID),
		Value: event.Payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	select {
	case f.queue <- msg:
	default:
		f.logger.Warn().Str("event_type", event.Type).Msg("kafka buffer full, event dropped")
	}
	return nil
}

// Run drains the buffer until ctx is done.
func (f *KafkaForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.queue:
			writeCtx, cancel := context.WithTimeout(ctx, f.timeout)
			if err := f.writer.WriteMessages(writeCtx, msg); err != nil {
				f.logger.Error().Err(err).Str("key", string(msg.Key)).Msg("kafka write failed")
			}
			cancel()
		}
	}
}

func (f *KafkaForwarder) Close() error {
	if f.writer == nil {
		return nil
	}
	return f.writer.Close()
}
