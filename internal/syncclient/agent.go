// Implements the Client Sync Agent: optimistic updates with timed rollback.

// Package syncclient is the client side of live table synchronization.
//
// An Agent applies edits to a local Cache immediately, sends them to the
// server and waits for the matching FIELD_UPDATED. An edit that is not
// confirmed within the rollback window, or that the server rejects, is undone
// in the cache.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/maruel/ksid"

	"github.com/maruel/tablesync/internal/protocol"
)

// ErrNotConnected is returned by SendUpdate when no connection is attached.
// The optimistic change has already been rolled back.
var ErrNotConnected = errors.New("not connected")

// DefaultRollbackTimeout is how long an edit may stay unconfirmed.
const DefaultRollbackTimeout = 5 * time.Second

// Conn is the duplex message channel the agent uses. *websocket.Conn
// implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Options configures an Agent. Zero values select the defaults.
type Options struct {
	// RollbackTimeout defaults to DefaultRollbackTimeout.
	RollbackTimeout time.Duration
	// ReconnectDelay is the pause between dial attempts in Run. Default 1s.
	ReconnectDelay time.Duration
	// Clock drives rollback timers; defaults to the wall clock.
	Clock clock.Clock
	// Dialer is used by Dial and Run; defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the WebSocket handshake, e.g. Authorization.
	Header http.Header
	// OnEvent receives state changes on the goroutine that caused them. It
	// must not block.
	OnEvent func(Event)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Agent owns one connection and the pending map of its client.
type Agent struct {
	cache Cache
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	pending map[Key]*PendingUpdate
	conn    Conn
	ready   bool

	// stubs are records the cache only holds because of an optimistic edit.
	stubs map[int64]bool

	writeMu sync.Mutex
}

// New returns an agent reconciling cache.
func New(cache Cache, opts Options) *Agent {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = DefaultRollbackTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		cache:   cache,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		pending: make(map[Key]*PendingUpdate),
		stubs:   make(map[int64]bool),
	}
}

// Cache returns the cache the agent reconciles.
func (a *Agent) Cache() Cache {
	return a.cache
}

// Connected reports whether a connection is attached.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Ready reports whether the server has sent CONNECTED on the current
// connection.
func (a *Agent) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Pending returns a copy of the pending update for a cell.
func (a *Agent) Pending(recordID int64, field string) (PendingUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[Key{recordID, field}]
	if !ok {
		return PendingUpdate{}, false
	}
	out := *p
	out.timer = nil
	return out, true
}

// PendingCount returns the number of unconfirmed edits.
func (a *Agent) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SendUpdate applies value to the cell optimistically and asks the server to
// persist it. It returns the request ID carried by the confirmation.
//
// A newer edit of the same cell supersedes the pending one: its timer is
// stopped and the rollback target becomes the cell value at this call.
func (a *Agent) SendUpdate(recordID int64, field string, value any) (string, error) {
	key := Key{recordID, field}
	now := a.clock.Now()
	p := &PendingUpdate{
		Key:       key,
		RequestID: ksid.NewID().String(),
		Value:     value,
		Timestamp: now,
		Deadline:  now.Add(a.opts.RollbackTimeout),
		State:     Applied,
	}

	a.mu.Lock()
	p.Previous, p.HadPrevious = a.cache.Field(recordID, field)
	if old, ok := a.pending[key]; ok {
		old.stopTimer()
	}
	if _, cached := a.cache.Get(recordID); !cached {
		a.stubs[recordID] = true
	}
	a.cache.SetField(recordID, field, value)
	a.pending[key] = p
	conn := a.conn
	if conn == nil {
		ev := a.rollbackLocked(p, ErrNotConnected.Error())
		a.mu.Unlock()
		a.emit(ev)
		return p.RequestID, ErrNotConnected
	}
	a.mu.Unlock()

	raw, err := protocol.Encode(protocol.FieldUpdate, protocol.FieldUpdatePayload{
		RecordID:  recordID,
		Field:     field,
		Value:     value,
		RequestID: p.RequestID,
	})
	if err == nil {
		err = a.write(conn, raw)
	}
	if err != nil {
		a.mu.Lock()
		var ev *Event
		if a.pending[key] == p {
			ev = a.rollbackLocked(p, err.Error())
		}
		a.mu.Unlock()
		a.emit(ev)
		return p.RequestID, fmt.Errorf("send update: %w", err)
	}

	a.mu.Lock()
	// A fast confirmation may already have removed the entry.
	if a.pending[key] == p && p.State == Applied {
		p.timer = a.clock.AfterFunc(p.Deadline.Sub(now), func() { a.expire(p) })
	}
	a.mu.Unlock()
	return p.RequestID, nil
}

func (a *Agent) write(conn Conn, raw []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// expire is the rollback timer callback.
func (a *Agent) expire(p *PendingUpdate) {
	a.mu.Lock()
	if a.pending[p.Key] != p {
		// Confirmed or superseded in the meantime.
		a.mu.Unlock()
		return
	}
	ev := a.rollbackLocked(p, "no confirmation before deadline")
	a.mu.Unlock()
	a.emit(ev)
}

// rollbackLocked restores the cell captured by p and forgets p.
func (a *Agent) rollbackLocked(p *PendingUpdate, reason string) *Event {
	p.stopTimer()
	if p.HadPrevious {
		a.cache.SetField(p.RecordID, p.Field, p.Previous)
	} else {
		a.cache.DeleteField(p.RecordID, p.Field)
	}
	delete(a.pending, p.Key)
	a.dropStubLocked(p.RecordID)
	p.State = RolledBack
	a.log.Debug("sync: rolled back", "record", p.RecordID, "field", p.Field, "requestId", p.RequestID, "reason", reason)
	return &Event{Kind: EventRolledBack, RecordID: p.RecordID, Field: p.Field, Value: p.Previous, RequestID: p.RequestID, Reason: reason}
}

// dropStubLocked removes the entry of a record created by optimistic edits
// once the last of them is rolled back and no cell is left.
func (a *Agent) dropStubLocked(id int64) {
	if !a.stubs[id] {
		return
	}
	for k := range a.pending {
		if k.RecordID == id {
			return
		}
	}
	delete(a.stubs, id)
	if rec, ok := a.cache.Get(id); ok && len(rec.Fields) == 0 {
		a.cache.Delete(id)
	}
}

// RollbackExpired rolls back every pending update whose deadline has passed.
// It returns how many were rolled back.
func (a *Agent) RollbackExpired() int {
	now := a.clock.Now()
	a.mu.Lock()
	var events []*Event
	for _, p := range a.pending {
		if !now.Before(p.Deadline) {
			events = append(events, a.rollbackLocked(p, "no confirmation before deadline"))
		}
	}
	a.mu.Unlock()
	for _, ev := range events {
		a.emit(ev)
	}
	return len(events)
}

// HandleMessage processes one inbound frame. Unparseable frames are logged
// and dropped.
func (a *Agent) HandleMessage(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		a.log.Warn("sync: dropping unparseable message", "err", err)
		return
	}
	var events []*Event
	switch msg.Type {
	case protocol.FieldUpdated:
		u, err := msg.FieldUpdated()
		if err != nil {
			a.log.Warn("sync: dropping malformed FIELD_UPDATED", "err", err)
			return
		}
		events = a.applyConfirmation(u)
	case protocol.Connected:
		p, err := msg.Connected()
		if err != nil {
			a.log.Warn("sync: malformed CONNECTED", "err", err)
		}
		a.mu.Lock()
		a.ready = true
		a.mu.Unlock()
		events = append(events, &Event{Kind: EventConnected, Clients: p.Clients})
	case protocol.RecordUpdateError:
		p, err := msg.RecordUpdateError()
		if err != nil {
			a.log.Warn("sync: dropping malformed RECORD_UPDATE_ERROR", "err", err)
			return
		}
		events = a.applyServerError(p)
	case protocol.Error:
		p, err := msg.ErrorMessage()
		if err != nil {
			a.log.Warn("sync: dropping malformed ERROR", "err", err)
			return
		}
		a.log.Warn("sync: server rejected message", "error", p.Error)
		events = append(events, &Event{Kind: EventServerError, Reason: p.Error})
	default:
		a.log.Debug("sync: ignoring message", "type", msg.Type)
	}
	for _, ev := range events {
		a.emit(ev)
	}
}

func (a *Agent) applyConfirmation(u protocol.FieldUpdatedPayload) []*Event {
	key := Key{u.Record.ID, u.Field}
	a.mu.Lock()
	defer a.mu.Unlock()
	var ev *Event
	p, ok := a.pending[key]
	switch {
	case ok && (u.RequestID == "" || u.RequestID == p.RequestID):
		p.stopTimer()
		p.State = Confirmed
		delete(a.pending, key)
		delete(a.stubs, key.RecordID)
		a.cache.SetField(key.RecordID, key.Field, u.Value)
		ev = &Event{Kind: EventConfirmed, RecordID: key.RecordID, Field: key.Field, Value: u.Value, RequestID: p.RequestID}
	case ok:
		// A superseded or foreign edit landed. The newer optimistic value
		// stays visible; rolling back must now land on the persisted value.
		p.Previous, p.HadPrevious = u.Value, true
		ev = &Event{Kind: EventRemoteUpdate, RecordID: key.RecordID, Field: key.Field, Value: u.Value, RequestID: u.RequestID}
	default:
		if _, cached := a.cache.Get(key.RecordID); !cached {
			return nil
		}
		a.cache.SetField(key.RecordID, key.Field, u.Value)
		ev = &Event{Kind: EventRemoteUpdate, RecordID: key.RecordID, Field: key.Field, Value: u.Value, RequestID: u.RequestID}
	}
	// Refresh the other fields of a cached record from the snapshot, except
	// cells with their own pending edit.
	if _, cached := a.cache.Get(key.RecordID); cached {
		for f, v := range u.Record.Fields {
			if f == key.Field {
				continue
			}
			if _, busy := a.pending[Key{key.RecordID, f}]; busy {
				continue
			}
			a.cache.SetField(key.RecordID, f, v)
		}
	}
	return []*Event{ev}
}

func (a *Agent) applyServerError(e protocol.RecordUpdateErrorPayload) []*Event {
	events := []*Event{{Kind: EventServerError, RecordID: e.RecordID, Field: e.Field, RequestID: e.RequestID, Reason: e.Error}}
	if e.RequestID == "" {
		return events
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pending {
		if p.RequestID == e.RequestID {
			events = append(events, a.rollbackLocked(p, e.Error))
			break
		}
	}
	return events
}

func (a *Agent) emit(ev *Event) {
	if ev == nil || a.opts.OnEvent == nil {
		return
	}
	a.opts.OnEvent(*ev)
}

// Serve attaches conn and processes its messages until it fails or ctx is
// done. The connection is closed and detached on return.
func (a *Agent) Serve(ctx context.Context, conn Conn) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return errors.New("a connection is already attached")
	}
	a.conn = conn
	a.ready = false
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
			a.ready = false
		}
		a.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		a.HandleMessage(data)
	}
}

// Close detaches and closes the current connection, if any.
func (a *Agent) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.ready = false
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
