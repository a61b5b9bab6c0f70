// Package bus implements the in-process topic-keyed pub/sub used to fan
// normalized events out to the state cache and automation actors.
//
// Publishing never blocks: each subscriber owns a bounded buffer and the
// oldest event is dropped when a subscriber falls behind. Ordering is
// FIFO per (topic, subscriber) pair; there is no cross-topic ordering.
package bus

import (
	"sync"
	"sync/atomic"

	"mirai/internal/event"

	"go.uber.org/zap"
)

// Well-known topics used by the runtime.
const (
	TopicHAEvents   = "ha:events"
	TopicMQTTEvents = "mqtt:events"
)

// DefaultBufferSize is the per-subscriber mailbox depth.
const DefaultBufferSize = 256

// Bus is a topic-keyed broadcaster.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger *zap.Logger
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	topic string
	ch    chan *event.Event
	done  chan struct{}
	bus   *Bus
	once  sync.Once

	dropped atomic.Uint64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new subscriber on topic with the default buffer.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBufferSize)
}

// SubscribeBuffered registers a new subscriber with an explicit buffer
// depth. Must be at least 1.
func (b *Bus) SubscribeBuffered(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *event.Event, buffer),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers ev to every subscriber of topic. A full subscriber
// buffer drops that subscriber's oldest pending event; other subscribers
// and the publisher are unaffected.
func (b *Bus) Publish(topic string, ev *event.Event) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: make room by discarding the oldest event.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}

		if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("slow subscriber, dropping oldest event",
				zap.String("topic", topic),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan *event.Event {
	return s.ch
}

// Done is closed when the subscription is closed. Consumers should
// select on it alongside Events.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped reports how many events were discarded because this subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus. Idempotent. The delivery
// channel is left open so in-flight consumers never read from a closed
// channel; use Done to observe closure.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, other := range subs {
			if other == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
}
