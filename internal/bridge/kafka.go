// Package bridge mirrors bus events to external systems.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/taskcore/internal/bus"
	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/otel"
)

const (
	defaultBuffer       = 256
	defaultBatchSize    = 50
	defaultWriteTimeout = 10 * time.Second
	maxWriteAttempts    = 3
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer for cfg. Messages with the same
// key land on the same partition.
func NewKafkaWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

// Envelope is the JSON value of every exported message.
type Envelope struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

type SinkOptions struct {
	Logger       *slog.Logger
	Telemetry    *otel.Provider
	Topic        string
	Buffer       int
	BatchSize    int
	WriteTimeout time.Duration
}

// KafkaSink exports bus events to a Kafka topic, keyed by task id. Publishing
// never waits on the broker: events queue in a bounded buffer and are
// dropped when it is full.
type KafkaSink struct {
	writer       MessageWriter
	logger       *slog.Logger
	tel          *otel.Provider
	topic        string
	batchSize    int
	writeTimeout time.Duration

	mu      sync.Mutex
	ch      chan kafka.Message
	closed  bool
	started bool
	unsub   func()
	done    chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewKafkaSink(w MessageWriter, opts SinkOptions) *KafkaSink {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &KafkaSink{
		writer:       w,
		logger:       opts.Logger.With("component", "kafka_sink"),
		tel:          otel.OrNoop(opts.Telemetry),
		topic:        opts.Topic,
		batchSize:    opts.BatchSize,
		writeTimeout: opts.WriteTimeout,
		ch:           make(chan kafka.Message, opts.Buffer),
		done:         make(chan struct{}),
		unsub:        func() {},
	}
}

// Start subscribes to every event on b and begins exporting. Call it once.
func (s *KafkaSink) Start(ctx context.Context, b *bus.Bus) {
	s.mu.Lock()
	s.unsub = b.Subscribe(bus.AllEvents, s.handle)
	s.started = true
	s.mu.Unlock()
	go s.loop(context.WithoutCancel(ctx))
	s.logger.Info("kafka sink started")
}

func (s *KafkaSink) handle(_ context.Context, ev bus.Event) {
	msg, err := encode(ev)
	if err != nil {
		s.logger.Warn("kafka sink: encode event failed", "event_type", ev.Type, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func encode(ev bus.Event) (kafka.Message, error) {
	taskID := bus.TaskIDOf(ev.Payload)
	now := time.Now().UTC()
	value, err := json.Marshal(Envelope{Type: ev.Type, TaskID: taskID, Payload: ev.Payload, PublishedAt: now})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:     []byte(taskID),
		Value:   value,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(ev.Type)}},
		Time:    now,
	}, nil
}

func (s *KafkaSink) loop(ctx context.Context) {
	defer close(s.done)
	batch := make([]kafka.Message, 0, s.batchSize)
	for msg := range s.ch {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < s.batchSize {
			select {
			case m, ok := <-s.ch:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		s.write(ctx, batch)
	}
}

func (s *KafkaSink) write(ctx context.Context, batch []kafka.Message) {
	ctx, span := otel.StartProducerSpan(ctx, s.tel.Tracer, "kafka.publish",
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", s.topic),
		attribute.Int("messaging.batch.message_count", len(batch)),
	)
	defer span.End()
	var err error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err = s.writer.WriteMessages(wctx, batch...)
		cancel()
		if err == nil {
			s.sent.Add(int64(len(batch)))
			return
		}
		if !retryable(err) {
			break
		}
		s.logger.Debug("kafka sink: retrying write", "attempt", attempt+1, "error", err)
	}
	s.failed.Add(int64(len(batch)))
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("kafka sink: write failed", "messages", len(batch), "error", err)
}

func retryable(err error) bool {
	return errors.Is(err, kafka.NotLeaderForPartition) ||
		errors.Is(err, kafka.LeaderNotAvailable) ||
		errors.Is(err, kafka.RequestTimedOut)
}

// Close stops the subscription, flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsub
	close(s.ch)
	if !s.started {
		close(s.done)
	}
	s.mu.Unlock()

	unsub()
	<-s.done
	s.logger.Info("kafka sink stopped", "sent", s.sent.Load(), "dropped", s.dropped.Load(), "failed", s.failed.Load())
	return s.writer.Close()
}

// Stats reports messages written, dropped on a full buffer and lost to
// write errors.
func (s *KafkaSink) Stats() (sent, dropped, failed int64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}
