package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ultron-agent/ultrond/internal/metrics"
	"github.com/ultron-agent/ultrond/internal/model"
)

const (
	eventStreamName    = "EVENTS"
	eventSubjectPrefix = "event."

	// DefaultHistorySize caps the in-memory ring of recent events.
	DefaultHistorySize = 1000
)

// Handler processes an event delivered by the bus. A returned error is
// logged and never stops delivery to other subscribers.
type Handler func(ctx context.Context, evt model.Event) error

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Bus is the agent event bus. Events are published to JetStream so they
// survive the process and can be consumed externally; in-process handlers
// are dispatched from a single subscription on the event subject space.
type Bus struct {
	logger      *zap.Logger
	js          nats.JetStreamContext
	historySize int

	mu   sync.RWMutex
	subs []subscription

	rmu    sync.Mutex
	recent []model.Event
	seen   atomic.Int64

	sub *nats.Subscription
}

// NewBus creates a new event bus
func NewBus(js nats.JetStreamContext, historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger:      logger.Named("events"),
		js:          js,
		historySize: historySize,
	}
}

// Start creates the event stream and begins dispatching
func (b *Bus) Start(ctx context.Context) error {
	_, err := b.js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create event stream: %w", err)
		}
		b.logger.Info("Created event stream", zap.String("name", eventStreamName))
	}

	sub, err := b.js.Subscribe(eventSubjectPrefix+">", func(msg *nats.Msg) {
		var evt model.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}
		b.record(evt)
		b.dispatch(ctx, evt)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	b.sub = sub
	return nil
}

// Stop stops event dispatch
func (b *Bus) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
}

// Emit publishes an event. Data is marshaled to JSON; a nil data emits an
// event with no payload.
func (b *Bus) Emit(ctx context.Context, name string, data interface{}) error {
	if !validName(name) {
		return fmt.Errorf("invalid event name: %q", name)
	}

	evt := model.Event{
		ID:        uuid.New().String(),
		Name:      name,
		Timestamp: time.Now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		evt.Data = raw
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(eventSubjectPrefix+name, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", name, err)
	}
	metrics.EventsEmitted.WithLabelValues(name).Inc()
	return nil
}

// Subscribe registers a handler for events whose name matches pattern.
// Patterns follow subject-token matching: "*" matches one dot-separated
// token, ">" matches the remainder ("task.>" matches "task.run.failed").
// The returned id can be passed to Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	id := uuid.New().String()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("Subscribed", zap.String("pattern", pattern), zap.String("id", id))
	return id
}

// Unsubscribe removes a handler registration
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Recent returns up to limit most recent events, newest first
func (b *Bus) Recent(limit int) []model.Event {
	b.rmu.Lock()
	defer b.rmu.Unlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]model.Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.recent[len(b.recent)-1-i]
	}
	return out
}

// Seen returns the total number of events observed since start
func (b *Bus) Seen() int64 {
	return b.seen.Load()
}

func (b *Bus) record(evt model.Event) {
	b.seen.Add(1)
	b.rmu.Lock()
	defer b.rmu.Unlock()

	b.recent = append(b.recent, evt)
	if len(b.recent) > b.historySize {
		b.recent = b.recent[len(b.recent)-b.historySize:]
	}
}

// dispatch invokes every matching handler. A panic or error in one handler
// is logged and must not prevent the others from running.
func (b *Bus) dispatch(ctx context.Context, evt model.Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !Match(s.pattern, evt.Name) {
			continue
		}
		b.invoke(ctx, s, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, s subscription, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", evt.Name),
				zap.String("subscription", s.id),
				zap.Any("panic", r))
		}
	}()

	if err := s.handler(ctx, evt); err != nil {
		b.logger.Error("Event handler failed",
			zap.String("event", evt.Name),
			zap.String("subscription", s.id),
			zap.Error(err))
	}
}

// Match reports whether an event name matches a subscription pattern
func Match(pattern, name string) bool {
	if pattern == ">" {
		return true
	}
	pt := strings.Split(pattern, ".")
	nt := strings.Split(name, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(nt)
		}
		if i >= len(nt) {
			return false
		}
		if p != "*" && p != nt[i] {
			return false
		}
	}
	return len(pt) == len(nt)
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, tok := range strings.Split(name, ".") {
		if tok == "" || tok == "*" || tok == ">" {
			return false
		}
		if strings.ContainsAny(tok, " \t") {
			return false
		}
	}
	return true
}
