// Package bus provides the hub's broadcast event bus: every subscriber owns a
// bounded queue and slow consumers lose their oldest pending events first, so
// the freshest state always reaches the UI without blocking writers.
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
)

// DefaultQueueSize is the per-subscriber channel capacity.
const DefaultQueueSize = 512

// MirrorTarget receives a copy of every published envelope. Implementations
// must never block.
type MirrorTarget interface {
	Publish(env events.Envelope)
}

// Subscriber is one listener attached to the bus. Its channel is closed on
// unsubscribe or bus close.
type Subscriber struct {
	mu     sync.Mutex
	ch     chan events.Envelope
	closed bool
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan events.Envelope {
	return s.ch
}

// offer delivers env, dropping the oldest pending envelope when the queue is
// full. The per-subscriber mutex keeps the drop-then-send pair atomic with
// respect to other publishers.
func (s *Subscriber) offer(env events.Envelope) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- env:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans envelopes out to subscribers. Publish never blocks: the subscriber
// list is snapshotted under the bus lock and released before delivery.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	closed    bool
	queueSize int
	mirror    MirrorTarget
	log       *logger.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus with the default per-subscriber queue size.
func New(log *logger.Logger) *Bus {
	return NewWithQueueSize(log, DefaultQueueSize)
}

// NewWithQueueSize creates a bus with an explicit per-subscriber queue size.
func NewWithQueueSize(log *logger.Logger, queueSize int) *Bus {
	if log == nil {
		log = logger.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Bus{
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
		log:       log.WithFields(zap.String("component", "event-bus")),
	}
}

// SetMirror attaches a mirror target receiving a copy of every envelope.
func (b *Bus) SetMirror(m MirrorTarget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a new listener. Returns nil if the bus is closed.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	sub := &Subscriber{ch: make(chan events.Envelope, b.queueSize)}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a listener and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers env to every subscriber, oldest-first eviction on full
// queues, and forwards a copy to the mirror when one is attached.
func (b *Bus) Publish(env events.Envelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	mirror := b.mirror
	b.mu.Unlock()

	b.published.Add(1)
	for _, sub := range snapshot {
		if sub.offer(env) {
			b.dropped.Add(1)
			b.log.Debug("Dropped oldest event for slow subscriber",
				zap.String("event_type", env.Type))
		}
	}
	if mirror != nil {
		mirror.Publish(env)
	}
}

// SubscriberCount returns the number of attached listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published returns the total number of envelopes published.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the total number of envelopes evicted from full queues.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close detaches and closes every subscriber. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
