// Implements the Sync Server: WebSocket endpoint, mutation pipeline and bus relay.

// Package hub is the server side of live table synchronization.
//
// A Hub accepts WebSocket connections, persists FIELD_UPDATE requests through
// the Record Store and publishes the resulting FIELD_UPDATED on the Broadcast
// Bus. Every Hub subscribed to the bus relays what it receives to all of its
// connections, so an edit made on one instance reaches clients of all
// instances, including the one that made it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maruel/tablesync/internal/bus"
	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/ratelimit"
	"github.com/maruel/tablesync/internal/server/reqctx"
)

// Store is the part of the Record Store used by the mutation pipeline.
type Store interface {
	UpdateField(ctx context.Context, id int64, field string, value any) (records.Record, error)
}

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	// Topic is the bus topic confirmations are published on.
	Topic string
	// Instance names this process in CONNECTED and logs.
	Instance string
	// PingInterval is the idle liveness period. Default 3s.
	PingInterval time.Duration
	// PongWait is how long a connection may stay silent. Default 3 pings.
	PongWait time.Duration
	// WriteTimeout bounds one frame write. Default 10s.
	WriteTimeout time.Duration
	// ApplyTimeout bounds persist and publish of one mutation. Default 5s.
	ApplyTimeout time.Duration
	// SendQueue is the outbound queue length per connection. Default 256.
	SendQueue int
	// MaxMessageBytes caps one inbound frame. Default 64KiB.
	MaxMessageBytes int64
	// MaxConnections refuses upgrades beyond this many open connections.
	// 0 means unlimited.
	MaxConnections int
	// Limiter, when set, limits FIELD_UPDATE messages per connection.
	Limiter *ratelimit.Limiter
	// CheckOrigin is passed to the upgrader; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Topic == "" {
		o.Topic = bus.DefaultTopic
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 3 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 3 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub is one Sync Server instance.
type Hub struct {
	store    Store
	bus      bus.Bus
	opts     Options
	log      *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader

	startOnce sync.Once
	startErr  error
	sub       bus.Subscription
	wg        sync.WaitGroup
}

// New returns a Hub. Call Start before serving connections so that bus
// messages are relayed.
func New(store Store, b bus.Bus, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		store:    store,
		bus:      b,
		opts:     opts,
		log:      opts.Logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Clients returns the number of open connections on this hub.
func (h *Hub) Clients() int {
	return h.registry.Len()
}

// Instance returns the configured instance name.
func (h *Hub) Instance() string {
	return h.opts.Instance
}

// Start subscribes to the bus topic and starts the liveness loop. Only the
// first call has an effect; later calls return the first result.
func (h *Hub) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		sub, err := h.bus.Subscribe(ctx, h.opts.Topic, h.relay)
		if err != nil {
			h.startErr = fmt.Errorf("subscribe to %q: %w", h.opts.Topic, err)
			return
		}
		h.sub = sub
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.pingLoop(ctx)
		}()
		h.log.InfoContext(ctx, "hub: subscribed", "topic", h.opts.Topic, "instance", h.opts.Instance)
	})
	return h.startErr
}

// Close unsubscribes from the bus and closes every connection. The liveness
// loop stops with the context given to Start.
func (h *Hub) Close() error {
	var err error
	if h.sub != nil {
		err = h.sub.Unsubscribe()
	}
	for _, c := range h.registry.Snapshot() {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		c.Close()
	}
	return err
}

// Wait blocks until the liveness loop has exited.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxConnections > 0 && h.registry.Len() >= h.opts.MaxConnections {
		refusedConnectionsTotal.Inc()
		h.log.WarnContext(r.Context(), "hub: connection limit reached", "max", h.opts.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		h.log.DebugContext(r.Context(), "hub: upgrade failed", "err", err)
		return
	}
	c := newConn(ws, reqctx.GetClientIP(r), h.opts.SendQueue)
	h.serve(context.WithoutCancel(r.Context()), c)
}

func (h *Hub) serve(ctx context.Context, c *Conn) {
	log := h.log.With("conn", c.id, "remote", c.remote)
	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	h.registry.Add(c)
	c.open()
	connectionsGauge.Inc()
	defer func() {
		h.registry.Remove(c.id)
		c.Close()
		connectionsGauge.Dec()
		if h.opts.Limiter != nil {
			h.opts.Limiter.Forget(ratelimit.BuildKey(ratelimit.ScopeConn, c.id.String(), "socket"))
		}
		log.DebugContext(ctx, "hub: client disconnected", "clients", h.registry.Len())
	}()
	go c.writePump(h.opts.WriteTimeout)

	log.DebugContext(ctx, "hub: client connected", "clients", h.registry.Len())
	c.Send(protocol.MustEncode(protocol.Connected, protocol.ConnectedPayload{
		Message:  "Connected to real-time updates",
		Clients:  h.registry.Len(),
		Instance: h.opts.Instance,
	}))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.DebugContext(ctx, "hub: read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		h.handleMessage(ctx, c, data)
	}
}

// handleMessage processes one inbound frame. Frames of one connection are
// handled in order; the mutation pipeline runs inline.
func (h *Hub) handleMessage(ctx context.Context, c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		h.reject(ctx, c, "Invalid message format", err)
		return
	}
	switch msg.Type {
	case protocol.FieldUpdate:
		u, err := msg.FieldUpdate()
		if err != nil {
			h.reject(ctx, c, err.Error(), err)
			return
		}
		if h.opts.Limiter != nil {
			if res := h.opts.Limiter.Allow(ratelimit.BuildKey(ratelimit.ScopeConn, c.id.String(), "socket")); !res.Allowed {
				h.reject(ctx, c, fmt.Sprintf("Too many updates, retry in %s", res.RetryAfter), nil)
				return
			}
		}
		// Pongs are not read while the mutation runs inline.
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.ApplyTimeout + h.opts.PongWait))
		_, _ = h.Apply(ctx, u)
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	default:
		h.reject(ctx, c, fmt.Sprintf("Unknown message type %q", msg.Type), nil)
	}
}

// reject sends ERROR to c only.
func (h *Hub) reject(ctx context.Context, c *Conn, reason string, err error) {
	protocolErrorsTotal.Inc()
	h.log.DebugContext(ctx, "hub: rejected message", "conn", c.id, "reason", reason, "err", err)
	c.Send(protocol.MustEncode(protocol.Error, protocol.ErrorPayload{Error: reason}))
}

// Apply persists one field update and publishes the confirmation on the bus.
//
// It runs detached from ctx's cancellation: once started, the update is
// persisted and published even if the requesting client goes away. On
// failure RECORD_UPDATE_ERROR is sent to this hub's connections only and the
// store error is returned.
func (h *Hub) Apply(ctx context.Context, u protocol.FieldUpdatePayload) (records.Record, error) {
	start := time.Now()
	defer func() { mutationDuration.Observe(time.Since(start).Seconds()) }()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.ApplyTimeout)
	defer cancel()

	rec, err := h.store.UpdateField(ctx, u.RecordID, u.Field, u.Value)
	if err != nil {
		mutationsTotal.WithLabelValues(resultLabel(err)).Inc()
		h.log.WarnContext(ctx, "hub: update failed", "record", u.RecordID, "field", u.Field, "requestId", u.RequestID, "err", err)
		h.Broadcast(protocol.MustEncode(protocol.RecordUpdateError, protocol.RecordUpdateErrorPayload{
			Error:     clientError(err),
			RequestID: u.RequestID,
			RecordID:  u.RecordID,
			Field:     u.Field,
		}))
		return records.Record{}, err
	}
	mutationsTotal.WithLabelValues("ok").Inc()

	value, _ := rec.Get(u.Field)
	msg, err := protocol.Encode(protocol.FieldUpdated, protocol.FieldUpdatedPayload{
		Record:    rec,
		Field:     u.Field,
		Value:     value,
		RequestID: u.RequestID,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "hub: encode confirmation", "record", u.RecordID, "err", err)
		return rec, nil
	}
	if err := h.bus.Publish(ctx, h.opts.Topic, msg); err != nil {
		// The update is persisted; clients converge on their next read.
		publishFailuresTotal.Inc()
		h.log.ErrorContext(ctx, "hub: publish failed", "record", u.RecordID, "field", u.Field, "err", err)
		return rec, nil
	}
	busMessagesTotal.WithLabelValues("out").Inc()
	h.log.DebugContext(ctx, "hub: published update", "record", u.RecordID, "field", u.Field, "requestId", u.RequestID)
	return rec, nil
}

// Broadcast queues msg on every open connection of this hub.
func (h *Hub) Broadcast(msg []byte) int {
	n := 0
	for _, c := range h.registry.Snapshot() {
		if c.Send(msg) {
			n++
		}
	}
	return n
}

// relay is the bus handler: bus messages go verbatim to every connection.
func (h *Hub) relay(ctx context.Context, msg []byte) {
	busMessagesTotal.WithLabelValues("in").Inc()
	h.Broadcast(msg)
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range h.registry.Snapshot() {
				if c.State() != StateOpen {
					continue
				}
				if err := c.ping(h.opts.WriteTimeout); err != nil {
					h.log.DebugContext(ctx, "hub: ping failed", "conn", c.id, "err", err)
					c.Close()
				}
			}
		}
	}
}

func resultLabel(err error) string {
	switch {
	case records.IsValidation(err):
		return "invalid"
	case errors.Is(err, records.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// clientError is the error text sent to clients. Storage details stay in
// the server log.
func clientError(err error) string {
	if records.IsValidation(err) || errors.Is(err, records.ErrNotFound) {
		return err.Error()
	}
	return "Failed to update record"
}
