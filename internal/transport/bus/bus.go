// Package bus fans fog notices out to other server instances over kafka.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"sightline.ai/internal/logging"
	"sightline.ai/internal/perception/fog"
)

const (
	DefaultTopic     = "sightline.fog"
	DefaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

var (
	ErrQueueFull = errors.New("bus: publish queue full")
	ErrClosed    = errors.New("bus: closed")
)

// Event is the kafka payload for one fog notice.
type Event struct {
	EventID   string         `json:"event_id"`
	Origin    string         `json:"origin"`
	Time      time.Time      `json:"time"`
	Type      fog.NoticeType `json:"type"`
	SceneID   string         `json:"scene_id"`
	Viewers   []string       `json:"viewers,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (e Event) Notice() fog.Notice {
	return fog.Notice{Type: e.Type, SceneID: e.SceneID, Viewers: e.Viewers, RequestID: e.RequestID, Message: e.Message}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// Origin identifies this instance; events it published are skipped by
	// its own subscriber.
	Origin string
	// QueueSize bounds the notices waiting to be published.
	QueueSize int
}

// Bus publishes from its own goroutine. Notify only enqueues, so a slow or
// unreachable broker never holds up the caller.
type Bus struct {
	cfg Config
	w   messageWriter
	log logrus.FieldLogger
	now func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup

	publishedTotal atomic.Uint64
	droppedTotal   atomic.Uint64
	failedTotal    atomic.Uint64
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	PublishedTotal uint64 `json:"published_total"`
	DroppedTotal   uint64 `json:"dropped_total"`
	FailedTotal    uint64 `json:"failed_total"`
}

func New(cfg Config, log logrus.FieldLogger) *Bus {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
	}
	return newBus(cfg, w, log)
}

func newBus(cfg Config, w messageWriter, log logrus.FieldLogger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	b := &Bus{
		cfg:   cfg,
		w:     w,
		log:   logging.OrDiscard(log).WithField("topic", cfg.Topic),
		now:   time.Now,
		queue: make(chan kafka.Message, cfg.QueueSize),
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

func (b *Bus) publishLoop() {
	defer b.wg.Done()
	for msg := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := b.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			b.failedTotal.Add(1)
			b.log.WithError(err).WithField("scene", string(msg.Key)).Warn("publish fog notice")
			continue
		}
		b.publishedTotal.Add(1)
	}
}

func (b *Bus) Origin() string { return b.cfg.Origin }

// Notify implements fog.Notifier. Events are keyed by scene so one scene's
// notices stay ordered within a partition. It never blocks: when the queue
// is full the notice is dropped and ErrQueueFull returned.
func (b *Bus) Notify(_ context.Context, n fog.Notice) error {
	ev := Event{
		EventID:   uuid.NewString(),
		Origin:    b.cfg.Origin,
		Time:      b.now().UTC(),
		Type:      n.Type,
		SceneID:   n.SceneID,
		Viewers:   n.Viewers,
		RequestID: n.RequestID,
		Message:   n.Message,
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- kafka.Message{Key: []byte(n.SceneID), Value: msg}:
		return nil
	default:
		dropped := b.droppedTotal.Add(1)
		b.log.WithFields(logrus.Fields{"scene": n.SceneID, "type": n.Type, "dropped_total": dropped}).Warn("fog notice queue full; dropping")
		return fmt.Errorf("publish %s: %w", n.Type, ErrQueueFull)
	}
}

func (b *Bus) Stats() Stats {
	return Stats{
		QueueDepth:     len(b.queue),
		PublishedTotal: b.publishedTotal.Load(),
		DroppedTotal:   b.droppedTotal.Load(),
		FailedTotal:    b.failedTotal.Load(),
	}
}

// Subscribe reads notices published by other instances and hands them to fn
// until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, groupID string, fn func(fog.Notice)) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		Topic:    b.cfg.Topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	defer reader.Close()
	b.log.WithField("group", groupID).Info("subscribed")
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).Warn("read")
			continue
		}
		b.deliver(m, fn)
	}
}

func (b *Bus) deliver(m kafka.Message, fn func(fog.Notice)) bool {
	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		b.log.WithError(err).WithField("key", string(m.Key)).Warn("parse event")
		return false
	}
	if ev.Origin == b.cfg.Origin {
		return false
	}
	fn(ev.Notice())
	return true
}

// Close publishes what is already queued, then closes the writer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
	return b.w.Close()
}
