// Defines the Broadcast Bus interface and the in-process implementation.

// Package bus is the publish/subscribe channel that fans confirmed mutations
// out to every server instance.
//
// Delivery is at-least-once and FIFO per publisher. A publisher receives its
// own messages when it is also subscribed to the topic.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultTopic is the topic confirmed mutations are published on.
const DefaultTopic = "table_updates"

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("bus is closed")

// Handler receives one message. It is called from a single goroutine per
// subscription, in publication order.
type Handler func(ctx context.Context, msg []byte)

// Subscription is an active Subscribe registration.
type Subscription interface {
	// Unsubscribe stops delivery. Messages already queued may still be
	// delivered before it returns.
	Unsubscribe() error
}

// Bus is a topic-based publish/subscribe channel.
type Bus interface {
	// Publish sends msg to every subscriber of topic. It does not wait for
	// delivery.
	Publish(ctx context.Context, topic string, msg []byte) error
	// Subscribe registers handler for topic until ctx is done or the
	// subscription is removed.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	// Close releases the bus. Subscriptions stop.
	Close() error
}

// DefaultQueueSize is the per-subscriber buffer of the Memory bus.
const DefaultQueueSize = 1024

// Memory is an in-process Bus. Several hubs sharing one Memory behave like
// several instances sharing a broker.
type Memory struct {
	queueSize int
	log       *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory returns an empty in-process bus. queueSize <= 0 selects
// DefaultQueueSize.
func NewMemory(queueSize int, log *slog.Logger) *Memory {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{queueSize: queueSize, log: log, subs: map[string]map[*memorySub]struct{}{}}
}

// Publish implements Bus.
//
// A subscriber whose queue is full drops the message and logs it; the
// publisher never blocks.
func (m *Memory) Publish(ctx context.Context, topic string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[topic] {
		select {
		case s.queue <- msg:
		default:
			m.log.WarnContext(ctx, "bus: subscriber queue full, dropping message", "topic", topic)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:   m,
		topic: topic,
		queue: make(chan []byte, m.queueSize),
		done:  make(chan struct{}),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = map[*memorySub]struct{}{}
	}
	m.subs[topic][s] = struct{}{}
	s.wg.Add(1)
	go s.run(ctx, handler)
	return s, nil
}

// Close implements Bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.subs = map[string]map[*memorySub]struct{}{}
	m.mu.Unlock()
	for _, s := range all {
		s.stop()
	}
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, s.topic)
		}
	}
}

type memorySub struct {
	bus   *Memory
	topic string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (s *memorySub) run(ctx context.Context, handler Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.bus.remove(s)
			return
		case <-s.done:
			return
		case msg := <-s.queue:
			handler(ctx, msg)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}
