// Provides a Broadcast Bus over ZeroMQ PUB/SUB through an XSUB/XPUB broker.

// Package zmqbus implements bus.Bus with ZeroMQ.
//
// Every instance connects a PUB socket to the broker's XSUB endpoint and one
// SUB socket per subscription to the broker's XPUB endpoint. Frames are
// [topic, msgpack(Envelope)].
package zmqbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/maruel/tablesync/internal/bus"
)

// Envelope wraps every payload on the wire.
type Envelope struct {
	// Origin identifies the publishing Bus instance.
	Origin string `msgpack:"origin"`
	// Seq increases by one per message published by Origin.
	Seq uint64 `msgpack:"seq"`
	// Sent is the publish time in Unix milliseconds.
	Sent int64 `msgpack:"sent"`
	// Payload is the published message, opaque to the bus.
	Payload []byte `msgpack:"payload"`
}

// Config selects the broker endpoints.
type Config struct {
	// PubAddr is the broker XSUB endpoint, e.g. tcp://127.0.0.1:5557.
	PubAddr string
	// SubAddr is the broker XPUB endpoint, e.g. tcp://127.0.0.1:5558.
	SubAddr string
	// PollInterval bounds how long a subscription waits before checking for
	// cancellation. Defaults to 250ms.
	PollInterval time.Duration
}

// Bus is a bus.Bus over ZeroMQ.
type Bus struct {
	cfg    Config
	log    *slog.Logger
	zctx   *zmq.Context
	origin string

	mu     sync.Mutex // guards pub, seq and closed; zmq sockets are not goroutine safe
	pub    *zmq.Socket
	seq    uint64
	closed bool

	wg   sync.WaitGroup
	stop chan struct{}
}

// New connects the publisher socket. Subscriptions connect lazily.
func New(cfg Config, log *slog.Logger) (*Bus, error) {
	if cfg.PubAddr == "" || cfg.SubAddr == "" {
		return nil, errors.New("zmqbus: both publish and subscribe addresses are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmqbus: create context: %w", err)
	}
	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		_ = zctx.Term()
		return nil, fmt.Errorf("zmqbus: create PUB socket: %w", err)
	}
	_ = pub.SetLinger(time.Second)
	if err := pub.Connect(cfg.PubAddr); err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("zmqbus: connect PUB to %s: %w", cfg.PubAddr, err)
	}
	return &Bus{
		cfg:    cfg,
		log:    log,
		zctx:   zctx,
		origin: uuid.NewString(),
		pub:    pub,
		stop:   make(chan struct{}),
	}, nil
}

// Origin returns the id stamped on every envelope this bus publishes.
func (b *Bus) Origin() string {
	return b.origin
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	b.seq++
	raw, err := msgpack.Marshal(&Envelope{Origin: b.origin, Seq: b.seq, Sent: time.Now().UnixMilli(), Payload: msg})
	if err != nil {
		return fmt.Errorf("zmqbus: encode envelope: %w", err)
	}
	if _, err := b.pub.SendMessage(topic, raw); err != nil {
		return fmt.Errorf("zmqbus: publish on %q: %w", topic, err)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	sock, err := b.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("zmqbus: create SUB socket: %w", err)
	}
	_ = sock.SetLinger(0)
	if err := sock.Connect(b.cfg.SubAddr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmqbus: connect SUB to %s: %w", b.cfg.SubAddr, err)
	}
	// ZeroMQ filters on prefix; exact matching happens in receive.
	if err := sock.SetSubscribe(topic); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmqbus: subscribe %q: %w", topic, err)
	}
	s := &subscription{done: make(chan struct{}), exited: make(chan struct{})}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(s.exited)
		defer func() { _ = sock.Close() }()
		b.receive(ctx, sock, topic, handler, s.done)
	}()
	return s, nil
}

func (b *Bus) receive(ctx context.Context, sock *zmq.Socket, topic string, handler bus.Handler, done <-chan struct{}) {
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	lastSeq := map[string]uint64{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-b.stop:
			return
		default:
		}
		polled, err := poller.Poll(b.cfg.PollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return
			}
			b.log.WarnContext(ctx, "zmqbus: poll failed", "err", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			b.log.WarnContext(ctx, "zmqbus: receive failed", "err", err)
			continue
		}
		if len(parts) < 2 || string(parts[0]) != topic {
			continue
		}
		var env Envelope
		if err := msgpack.Unmarshal(parts[1], &env); err != nil {
			b.log.WarnContext(ctx, "zmqbus: dropping undecodable envelope", "topic", topic, "err", err)
			continue
		}
		if prev, ok := lastSeq[env.Origin]; ok && env.Seq != prev+1 {
			b.log.WarnContext(ctx, "zmqbus: sequence gap", "topic", topic, "origin", env.Origin, "expected", prev+1, "got", env.Seq)
		}
		lastSeq[env.Origin] = env.Seq
		handler(ctx, env.Payload)
	}
}

// Close implements bus.Bus. It waits for subscription goroutines to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	err := b.pub.Close()
	b.mu.Unlock()
	b.wg.Wait()
	if termErr := b.zctx.Term(); err == nil {
		err = termErr
	}
	return err
}

type subscription struct {
	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

// Unsubscribe implements bus.Subscription.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })
	<-s.exited
	return nil
}
