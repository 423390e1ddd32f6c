// Package bus is the in-process event bus that fans workflow events out to
// live subscribers.
//
// Each workflow id maps to a topic holding a bounded ring of recent events
// and a set of subscribers, each with its own bounded buffer. Publish never
// blocks: a slow subscriber loses its own oldest events and is flagged as
// lagging, while other subscribers and the publisher are unaffected. The bus
// does not persist events; the audit table does.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/agentflow-go/graph/emit"
)

// ErrClosed is returned by Subscriber.Next once the topic is closed and the
// subscriber's buffer has drained.
var ErrClosed = errors.New("bus: topic closed")

const (
	// DefaultHistoryCap bounds a topic's replay ring. When the ring
	// exceeds the cap it is trimmed to half.
	DefaultHistoryCap = 1000

	// DefaultSubscriberCap bounds each subscriber's private buffer.
	DefaultSubscriberCap = 256

	// DefaultHeartbeatInterval is how often open topics with subscribers
	// receive a heartbeat event.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Options configures a Bus. Zero values select the defaults above.
type Options struct {
	HistoryCap        int
	SubscriberCap     int
	HeartbeatInterval time.Duration
	Log               *zap.Logger
}

// Bus is the per-process event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic

	historyCap    int
	subscriberCap int
	heartbeat     time.Duration
	log           *zap.Logger
}

// New creates a Bus. Call Run to start the heartbeat ticker.
func New(opts Options) *Bus {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.SubscriberCap <= 0 {
		opts.SubscriberCap = DefaultSubscriberCap
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Bus{
		topics:        make(map[string]*topic),
		historyCap:    opts.HistoryCap,
		subscriberCap: opts.SubscriberCap,
		heartbeat:     opts.HeartbeatInterval,
		log:           opts.Log,
	}
}

type topic struct {
	mu      sync.Mutex
	id      string
	history []emit.Event
	trimmed bool
	subs    map[string]*Subscriber
	closed  bool
}

func (b *Bus) getOrCreate(workflowID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[workflowID]
	if !ok {
		t = &topic{id: workflowID, subs: make(map[string]*Subscriber)}
		b.topics[workflowID] = t
	}
	return t
}

// Publish appends the event to the topic's history and delivers it to every
// subscriber without blocking. Publishing to a closed topic is a no-op.
func (b *Bus) Publish(workflowID string, event emit.Event) {
	if workflowID == "" {
		return
	}
	event.DecisionSetID = workflowID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t := b.getOrCreate(workflowID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.history = append(t.history, event)
	if len(t.history) > b.historyCap {
		keep := b.historyCap / 2
		trimmed := make([]emit.Event, keep)
		copy(trimmed, t.history[len(t.history)-keep:])
		t.history = trimmed
		t.trimmed = true
	}

	for _, sub := range t.subs {
		sub.push(event)
	}
}

// Subscribe attaches a new subscriber to the workflow's topic. With replay,
// the topic's full history buffer is queued ahead of live events; the first
// replayed event carries Truncated when the ring had already trimmed older
// history.
func (b *Bus) Subscribe(workflowID string, replay bool) *Subscriber {
	t := b.getOrCreate(workflowID)

	sub := &Subscriber{
		id:     uuid.NewString(),
		topic:  t,
		cap:    b.subscriberCap,
		notify: make(chan struct{}, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if replay && len(t.history) > 0 {
		sub.buf = make([]emit.Event, len(t.history))
		copy(sub.buf, t.history)
		if t.trimmed {
			sub.buf[0].Truncated = true
		}
		sub.wake()
	}
	if t.closed {
		sub.closed = true
		sub.wake()
		return sub
	}
	t.subs[sub.id] = sub
	return sub
}

// CloseTopic marks the topic terminal. Subscribers drain their buffers and
// then observe ErrClosed; the topic is freed immediately (a later Publish or
// Subscribe would recreate an empty topic).
func (b *Bus) CloseTopic(workflowID string) {
	b.mu.Lock()
	t, ok := b.topics[workflowID]
	if ok {
		delete(b.topics, workflowID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, sub := range t.subs {
		sub.markClosed()
	}
	b.log.Debug("topic closed", zap.String("workflow_id", workflowID), zap.Int("subscribers", len(t.subs)))
	t.subs = make(map[string]*Subscriber)
}

// Run drives the heartbeat ticker until ctx is cancelled. Topics with at
// least one subscriber receive a heartbeat event each interval so that idle
// SSE connections are kept alive.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeatTick()
		}
	}
}

func (b *Bus) heartbeatTick() {
	b.mu.RLock()
	active := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		active = append(active, t)
	}
	b.mu.RUnlock()

	now := time.Now().UTC()
	for _, t := range active {
		t.mu.Lock()
		if !t.closed && len(t.subs) > 0 {
			hb := emit.Event{
				Type:          emit.TypeHeartbeat,
				DecisionSetID: t.id,
				Timestamp:     now,
			}
			for _, sub := range t.subs {
				sub.push(hb)
			}
		}
		t.mu.Unlock()
	}
}

// SubscriberCount reports the number of active subscribers on a topic.
func (b *Bus) SubscriberCount(workflowID string) int {
	b.mu.RLock()
	t, ok := b.topics[workflowID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
