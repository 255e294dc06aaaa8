package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruel/tablesync/internal/bus"
	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server/ratelimit"
)

// fakeStore is an in-memory Store using the real column rules.
type fakeStore struct {
	mu      sync.Mutex
	recs    map[int64]records.Record
	calls   int
	block   map[int64]chan struct{}
	lastCtx context.Context
	fail    error
}

func newFakeStore(ids ...int64) *fakeStore {
	s := &fakeStore{recs: map[int64]records.Record{}, block: map[int64]chan struct{}{}}
	for _, id := range ids {
		s.recs[id] = records.Record{ID: id, Fields: map[string]any{"title": "t", "amount": 1.0}}
	}
	return s
}

func (s *fakeStore) UpdateField(ctx context.Context, id int64, field string, value any) (records.Record, error) {
	s.mu.Lock()
	s.calls++
	s.lastCtx = ctx
	wait := s.block[id]
	fail := s.fail
	s.mu.Unlock()
	if wait != nil {
		<-wait
	}
	if fail != nil {
		return records.Record{}, fail
	}
	c, ok := records.LookupColumn(field)
	if !ok || !c.Editable {
		return records.Record{}, &records.FieldError{Field: field, Err: records.ErrInvalidField}
	}
	v, err := c.Coerce(value)
	if err != nil {
		return records.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return records.Record{}, records.ErrNotFound
	}
	rec = rec.Clone()
	rec.Fields[field] = v
	s.recs[id] = rec
	return rec, nil
}

func (s *fakeStore) get(id int64) records.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id].Clone()
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingBus wraps a bus and counts publishes; it can be made to fail.
type countingBus struct {
	bus.Bus
	mu        sync.Mutex
	published int
	fail      bool
}

func (b *countingBus) Publish(ctx context.Context, topic string, msg []byte) error {
	b.mu.Lock()
	b.published++
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return errors.New("broker unreachable")
	}
	return b.Bus.Publish(ctx, topic, msg)
}

func (b *countingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

type testHub struct {
	*Hub
	url string
}

func startHub(t *testing.T, store Store, b bus.Bus, opts Options) *testHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New(store, b, opts)
	require.NoError(t, h.Start(ctx))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
		cancel()
		h.Wait()
	})
	return &testHub{Hub: h, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func newMemoryBus(t *testing.T) *bus.Memory {
	t.Helper()
	b := bus.NewMemory(0, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

// dialReady dials and consumes CONNECTED.
func dialReady(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws := dial(t, url)
	m := read(t, ws)
	require.Equal(t, protocol.Connected, m.Type)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func sendUpdate(t *testing.T, ws *websocket.Conn, p protocol.FieldUpdatePayload) {
	t.Helper()
	raw, err := protocol.Encode(protocol.FieldUpdate, p)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

// assertSilent checks that nothing arrives on ws for a short while.
func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected message %s", data)
}

func TestConnected_ReportsClientCount(t *testing.T) {
	h := startHub(t, newFakeStore(), newMemoryBus(t), Options{Instance: "node-a"})

	a := dial(t, h.url)
	m := read(t, a)
	require.Equal(t, protocol.Connected, m.Type)
	p, err := m.Connected()
	require.NoError(t, err)
	assert.Equal(t, 1, p.Clients)
	assert.Equal(t, "node-a", p.Instance)
	assert.NotEmpty(t, p.Message)

	b := dial(t, h.url)
	p, err = read(t, b).Connected()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Clients)
	assert.Equal(t, 2, h.Registry().Len())
}

func TestMalformedMessages_ErrorToSenderOnly(t *testing.T) {
	store := newFakeStore(1)
	h := startHub(t, store, newMemoryBus(t), Options{})
	a := dialReady(t, h.url)
	b := dialReady(t, h.url)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"DELETE_EVERYTHING","payload":{}}`},
		{"missing value", `{"type":"FIELD_UPDATE","payload":{"recordId":1,"field":"amount"}}`},
		{"missing field", `{"type":"FIELD_UPDATE","payload":{"recordId":1,"value":3}}`},
		{"missing recordId", `{"type":"FIELD_UPDATE","payload":{"field":"amount","value":3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, a, tt.raw)
			m := read(t, a)
			assert.Equal(t, protocol.Error, m.Type)
			p, err := m.ErrorMessage()
			require.NoError(t, err)
			assert.NotEmpty(t, p.Error)
		})
	}
	assertSilent(t, b)
	assert.Equal(t, 0, store.callCount())

	// The connection is still usable.
	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "amount", Value: 2.5})
	assert.Equal(t, protocol.FieldUpdated, read(t, a).Type)
}

func TestFieldUpdate_FanOutIncludingSender(t *testing.T) {
	store := newFakeStore(1)
	h := startHub(t, store, newMemoryBus(t), Options{})
	a := dialReady(t, h.url)
	b := dialReady(t, h.url)

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "amount", Value: int64(500), RequestID: "req-1"})
	for _, ws := range []*websocket.Conn{a, b} {
		m := read(t, ws)
		require.Equal(t, protocol.FieldUpdated, m.Type)
		p, err := m.FieldUpdated()
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.Record.ID)
		assert.Equal(t, "amount", p.Field)
		assert.Equal(t, int64(500), p.Value)
		assert.Equal(t, "req-1", p.RequestID)
		assert.Equal(t, "t", p.Record.Fields["title"])
	}
	assert.Equal(t, 500.0, store.get(1).Fields["amount"])
}

func TestTwoHubs_SharedBus(t *testing.T) {
	store := newFakeStore(1)
	b := newMemoryBus(t)
	h1 := startHub(t, store, b, Options{Instance: "one"})
	h2 := startHub(t, store, b, Options{Instance: "two"})
	c1 := dialReady(t, h1.url)
	c2 := dialReady(t, h2.url)

	sendUpdate(t, c1, protocol.FieldUpdatePayload{RecordID: 1, Field: "status", Value: "Pending"})
	for _, ws := range []*websocket.Conn{c1, c2} {
		m := read(t, ws)
		require.Equal(t, protocol.FieldUpdated, m.Type)
		p, err := m.FieldUpdated()
		require.NoError(t, err)
		assert.Equal(t, "Pending", p.Value)
		assert.Equal(t, "Pending", p.Record.Fields["status"])
	}
}

func TestInvalidUpdate_LocalErrorOnly(t *testing.T) {
	store := newFakeStore(1)
	mem := newMemoryBus(t)
	cb := &countingBus{Bus: mem}
	h1 := startHub(t, store, cb, Options{})
	h2 := startHub(t, store, mem, Options{})
	a := dialReady(t, h1.url)
	b := dialReady(t, h1.url)
	other := dialReady(t, h2.url)
	before := store.get(1)

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "created_at", Value: "2020", RequestID: "r9"})
	for _, ws := range []*websocket.Conn{a, b} {
		m := read(t, ws)
		require.Equal(t, protocol.RecordUpdateError, m.Type)
		p, err := m.RecordUpdateError()
		require.NoError(t, err)
		assert.Equal(t, "r9", p.RequestID)
		assert.Equal(t, int64(1), p.RecordID)
		assert.Equal(t, "created_at", p.Field)
		assert.Contains(t, p.Error, "not allowed")
	}
	assertSilent(t, other)
	assert.Equal(t, 0, cb.count())
	assert.Equal(t, before, store.get(1))

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 404, Field: "title", Value: "x"})
	m := read(t, a)
	require.Equal(t, protocol.RecordUpdateError, m.Type)
	p, err := m.RecordUpdateError()
	require.NoError(t, err)
	assert.Equal(t, records.ErrNotFound.Error(), p.Error)
}

func TestStoreFailure_HidesDetails(t *testing.T) {
	store := newFakeStore(1)
	store.fail = errors.New("disk I/O error at /var/lib/db")
	h := startHub(t, store, newMemoryBus(t), Options{})
	a := dialReady(t, h.url)

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "x"})
	p, err := read(t, a).RecordUpdateError()
	require.NoError(t, err)
	assert.Equal(t, "Failed to update record", p.Error)
}

func TestPublishFailure_DoesNotCrash(t *testing.T) {
	store := newFakeStore(1)
	cb := &countingBus{Bus: newMemoryBus(t), fail: true}
	h := startHub(t, store, cb, Options{})
	a := dialReady(t, h.url)

	rec, err := h.Apply(context.Background(), protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "kept"})
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.Fields["title"])
	assert.Equal(t, "kept", store.get(1).Fields["title"])
	assertSilent(t, a)

	// The hub keeps serving.
	cb.mu.Lock()
	cb.fail = false
	cb.mu.Unlock()
	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "again"})
	assert.Equal(t, protocol.FieldUpdated, read(t, a).Type)
}

func TestApply_DetachedFromCaller(t *testing.T) {
	store := newFakeStore(1)
	h := startHub(t, store, newMemoryBus(t), Options{})
	a := dialReady(t, h.url)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Apply(ctx, protocol.FieldUpdatePayload{RecordID: 1, Field: "amount", Value: 7.0})
	require.NoError(t, err)
	store.mu.Lock()
	assert.NoError(t, store.lastCtx.Err())
	store.mu.Unlock()
	assert.Equal(t, protocol.FieldUpdated, read(t, a).Type)
}

func TestCloseDeregisters(t *testing.T) {
	h := startHub(t, newFakeStore(), newMemoryBus(t), Options{})
	a := dialReady(t, h.url)
	dialReady(t, h.url)
	require.Equal(t, 2, h.Registry().Len())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return h.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_Idempotent(t *testing.T) {
	mem := newMemoryBus(t)
	h := startHub(t, newFakeStore(), mem, Options{})
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, 1, mem.Subscribers(bus.DefaultTopic))
}

func TestStart_SubscribeError(t *testing.T) {
	mem := bus.NewMemory(0, nil)
	require.NoError(t, mem.Close())
	h := New(newFakeStore(), mem, Options{})
	err := h.Start(context.Background())
	require.ErrorIs(t, err, bus.ErrClosed)
	require.ErrorIs(t, h.Start(context.Background()), bus.ErrClosed)
}

func TestSlowUpdate_DoesNotBlockOtherConnections(t *testing.T) {
	store := newFakeStore(1, 2)
	release := make(chan struct{})
	store.block[2] = release
	h := startHub(t, store, newMemoryBus(t), Options{})
	slow := dialReady(t, h.url)
	fast := dialReady(t, h.url)

	sendUpdate(t, slow, protocol.FieldUpdatePayload{RecordID: 2, Field: "title", Value: "slow"})
	require.Eventually(t, func() bool { return store.callCount() == 1 }, time.Second, 5*time.Millisecond)

	sendUpdate(t, fast, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "fast"})
	p, err := read(t, fast).FieldUpdated()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Record.ID)

	close(release)
	p, err = read(t, fast).FieldUpdated()
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Record.ID)
}

func TestSlowApply_KeepsRequester(t *testing.T) {
	store := newFakeStore(1)
	release := make(chan struct{})
	store.block[1] = release
	h := startHub(t, store, newMemoryBus(t), Options{
		PingInterval: 20 * time.Millisecond,
		PongWait:     80 * time.Millisecond,
		ApplyTimeout: 2 * time.Second,
	})
	a := dialReady(t, h.url)

	// Keep reading so that pings are answered.
	msgs := make(chan protocol.Message, 4)
	require.NoError(t, a.SetReadDeadline(time.Time{}))
	go func() {
		defer close(msgs)
		for {
			_, data, err := a.ReadMessage()
			if err != nil {
				return
			}
			if m, err := protocol.Decode(data); err == nil {
				msgs <- m
			}
		}
	}()

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "slow", RequestID: "req-slow"})
	require.Eventually(t, func() bool { return store.callCount() == 1 }, time.Second, 5*time.Millisecond)
	// Several PongWaits elapse while the store is blocked.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.Registry().Len())

	close(release)
	select {
	case m, ok := <-msgs:
		require.True(t, ok, "connection closed before the confirmation")
		require.Equal(t, protocol.FieldUpdated, m.Type)
		p, err := m.FieldUpdated()
		require.NoError(t, err)
		assert.Equal(t, "req-slow", p.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no FIELD_UPDATED")
	}
	assert.Equal(t, 1, h.Registry().Len())
	assert.Equal(t, "slow", store.get(1).Fields["title"])
}

func TestDeadPeerIsPruned(t *testing.T) {
	h := startHub(t, newFakeStore(), newMemoryBus(t), Options{PingInterval: 20 * time.Millisecond, PongWait: 80 * time.Millisecond})

	// A client that keeps reading answers pings.
	alive := dialReady(t, h.url)
	require.NoError(t, alive.SetReadDeadline(time.Time{}))
	go func() {
		for {
			if _, _, err := alive.NextReader(); err != nil {
				return
			}
		}
	}()
	// A client that never reads never answers.
	dialReady(t, h.url)

	require.Eventually(t, func() bool { return h.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.Registry().Len())
}

func TestConn_OverflowCloses(t *testing.T) {
	h := startHub(t, newFakeStore(), newMemoryBus(t), Options{})
	ws := dial(t, h.url)

	c := newConn(ws, "test", 1)
	assert.Equal(t, StateConnecting, c.State())
	assert.False(t, c.Send([]byte("early")))
	require.True(t, c.open())
	assert.True(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.open())
	c.Close()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &Conn{id: 1}
	b := &Conn{id: 2}
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []*Conn{a, b}, r.Snapshot())
	assert.True(t, r.Remove(1))
	assert.False(t, r.Remove(1))
	assert.Equal(t, []*Conn{b}, r.Snapshot())
}

func TestSocketRateLimit(t *testing.T) {
	store := newFakeStore(1)
	lim := newTestLimiter(t)
	h := startHub(t, store, newMemoryBus(t), Options{Limiter: lim})
	a := dialReady(t, h.url)

	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "1"})
	assert.Equal(t, protocol.FieldUpdated, read(t, a).Type)
	sendUpdate(t, a, protocol.FieldUpdatePayload{RecordID: 1, Field: "title", Value: "2"})
	assert.Equal(t, protocol.Error, read(t, a).Type)
	assert.Equal(t, 1, store.callCount())
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.NewLimiter(1, time.Minute, 1)
	t.Cleanup(l.Close)
	return l
}

func TestMaxConnections(t *testing.T) {
	h := startHub(t, newFakeStore(), newMemoryBus(t), Options{MaxConnections: 1})
	_ = dialReady(t, h.url)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, h.Clients())
}
