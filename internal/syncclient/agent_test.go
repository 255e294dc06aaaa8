package syncclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruel/tablesync/internal/bus"
	"github.com/maruel/tablesync/internal/hub"
	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
)

// fakeConn is an in-memory Conn. Frames pushed to in are returned by
// ReadMessage; writes are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sent(t *testing.T) []protocol.FieldUpdatePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.FieldUpdatePayload
	for _, raw := range f.written {
		m, err := protocol.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, protocol.FieldUpdate, m.Type)
		u, err := m.FieldUpdate()
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) has(k EventKind) bool {
	for _, got := range l.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

type testAgent struct {
	*Agent
	clock  *clock.Mock
	cache  *MemoryCache
	conn   *fakeConn
	events *eventLog
}

func newTestAgent(t *testing.T, connect bool) *testAgent {
	t.Helper()
	ta := &testAgent{
		clock: clock.NewMock(),
		cache: NewMemoryCache(records.Record{ID: 1, Fields: map[string]any{
			"title":  "old",
			"amount": int64(10),
		}}),
		events: &eventLog{},
	}
	ta.Agent = New(ta.cache, Options{Clock: ta.clock, OnEvent: ta.events.add})
	if connect {
		ta.conn = newFakeConn()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- ta.Serve(ctx, ta.conn) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		require.Eventually(t, ta.Connected, time.Second, time.Millisecond)
	}
	return ta
}

func (ta *testAgent) field(f string) any {
	v, _ := ta.cache.Field(1, f)
	return v
}

func confirmation(t *testing.T, requestID string, fields map[string]any, field string, value any) []byte {
	t.Helper()
	rec := records.Record{ID: 1, Fields: fields}
	return protocol.MustEncode(protocol.FieldUpdated, protocol.FieldUpdatedPayload{
		Record:    rec,
		Field:     field,
		Value:     value,
		RequestID: requestID,
	})
}

func TestSendUpdate_AppliesAndSends(t *testing.T) {
	ta := newTestAgent(t, true)
	id, err := ta.SendUpdate(1, "title", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", ta.field("title"))

	p, ok := ta.Pending(1, "title")
	require.True(t, ok)
	assert.Equal(t, Applied, p.State)
	assert.Equal(t, "old", p.Previous)
	assert.Equal(t, ta.clock.Now().Add(DefaultRollbackTimeout), p.Deadline)

	sent := ta.conn.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(1), sent[0].RecordID)
	assert.Equal(t, "title", sent[0].Field)
	assert.Equal(t, "new", sent[0].Value)
	assert.Equal(t, id, sent[0].RequestID)
}

func TestRollback_AfterTimeout(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(1, "title", "new")
	require.NoError(t, err)

	ta.clock.Add(DefaultRollbackTimeout - time.Millisecond)
	assert.Equal(t, "new", ta.field("title"))

	ta.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "old", ta.field("title"))
	assert.True(t, ta.events.has(EventRolledBack))
}

func TestConfirmation_JustBeforeDeadline(t *testing.T) {
	ta := newTestAgent(t, true)
	id, err := ta.SendUpdate(1, "amount", int64(500))
	require.NoError(t, err)

	ta.clock.Add(DefaultRollbackTimeout - 10*time.Millisecond)
	ta.HandleMessage(confirmation(t, id, map[string]any{"title": "old", "amount": int64(500)}, "amount", int64(500)))
	assert.Equal(t, 0, ta.PendingCount())

	ta.clock.Add(time.Second)
	assert.Never(t, func() bool { return ta.field("amount") != int64(500) }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventConfirmed}, ta.events.kinds())
}

func TestConfirmation_Idempotent(t *testing.T) {
	ta := newTestAgent(t, true)
	id, err := ta.SendUpdate(1, "title", "new")
	require.NoError(t, err)
	msg := confirmation(t, id, map[string]any{"title": "new"}, "title", "new")
	ta.HandleMessage(msg)
	ta.HandleMessage(msg)
	assert.Equal(t, "new", ta.field("title"))
	assert.Equal(t, []EventKind{EventConfirmed, EventRemoteUpdate}, ta.events.kinds())
}

func TestSupersession_LatestSnapshotWins(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(1, "title", "v1")
	require.NoError(t, err)
	ta.clock.Add(3 * time.Second)
	_, err = ta.SendUpdate(1, "title", "v2")
	require.NoError(t, err)
	assert.Equal(t, 1, ta.PendingCount())

	// The first deadline passes without effect.
	ta.clock.Add(3 * time.Second)
	assert.Never(t, func() bool { return ta.field("title") != "v2" }, 50*time.Millisecond, 5*time.Millisecond)

	ta.clock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "v1", ta.field("title"))
}

func TestForeignConfirmation_Rebases(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(1, "title", "mine")
	require.NoError(t, err)

	ta.HandleMessage(confirmation(t, "someone-else", map[string]any{"title": "theirs"}, "title", "theirs"))
	assert.Equal(t, "mine", ta.field("title"))
	p, ok := ta.Pending(1, "title")
	require.True(t, ok)
	assert.Equal(t, "theirs", p.Previous)

	ta.clock.Add(DefaultRollbackTimeout)
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, "theirs", ta.field("title"))
}

func TestRemoteUpdate(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(1, "title", "mine")
	require.NoError(t, err)

	// Another field of a cached record; the pending cell is left alone.
	ta.HandleMessage(confirmation(t, "x", map[string]any{"title": "stale", "amount": int64(7)}, "amount", int64(7)))
	assert.Equal(t, int64(7), ta.field("amount"))
	assert.Equal(t, "mine", ta.field("title"))

	// Records that are not cached are ignored.
	ta.HandleMessage(protocol.MustEncode(protocol.FieldUpdated, protocol.FieldUpdatedPayload{
		Record: records.Record{ID: 99, Fields: map[string]any{"title": "t"}},
		Field:  "title",
		Value:  "t",
	}))
	_, ok := ta.cache.Get(99)
	assert.False(t, ok)
}

func TestServerError_RollsBackMatchingRequest(t *testing.T) {
	ta := newTestAgent(t, true)
	id, err := ta.SendUpdate(1, "amount", "abc")
	require.NoError(t, err)
	_, err = ta.SendUpdate(1, "title", "kept")
	require.NoError(t, err)

	ta.HandleMessage(protocol.MustEncode(protocol.RecordUpdateError, protocol.RecordUpdateErrorPayload{
		Error:     "invalid value",
		RequestID: id,
		RecordID:  1,
		Field:     "amount",
	}))
	assert.Equal(t, int64(10), ta.field("amount"))
	assert.Equal(t, "kept", ta.field("title"))
	assert.Equal(t, 1, ta.PendingCount())
	assert.True(t, ta.events.has(EventServerError))
	assert.True(t, ta.events.has(EventRolledBack))

	// Uncorrelated errors leave pending edits alone.
	ta.HandleMessage(protocol.MustEncode(protocol.RecordUpdateError, protocol.RecordUpdateErrorPayload{Error: "boom"}))
	assert.Equal(t, 1, ta.PendingCount())
}

func TestNotConnected_RollsBackImmediately(t *testing.T) {
	ta := newTestAgent(t, false)
	_, err := ta.SendUpdate(1, "title", "new")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "old", ta.field("title"))
	assert.Equal(t, 0, ta.PendingCount())
	assert.Equal(t, []EventKind{EventRolledBack}, ta.events.kinds())
}

func TestWriteError_RollsBack(t *testing.T) {
	ta := newTestAgent(t, true)
	ta.conn.writeErr = errors.New("broken pipe")
	_, err := ta.SendUpdate(1, "title", "new")
	require.Error(t, err)
	assert.Equal(t, "old", ta.field("title"))
	assert.Equal(t, 0, ta.PendingCount())
}

func TestRollback_RemovesNewField(t *testing.T) {
	ta := newTestAgent(t, false)
	_, err := ta.SendUpdate(1, "comment", "hi")
	require.ErrorIs(t, err, ErrNotConnected)
	_, ok := ta.cache.Field(1, "comment")
	assert.False(t, ok)
}

func TestRollback_DropsRecordCreatedByEdit(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(7, "title", "draft")
	require.NoError(t, err)
	_, cached := ta.cache.Get(7)
	require.True(t, cached)

	ta.clock.Add(DefaultRollbackTimeout)
	require.Eventually(t, func() bool { return ta.events.has(EventRolledBack) }, time.Second, time.Millisecond)
	_, cached = ta.cache.Get(7)
	assert.False(t, cached)
	assert.Equal(t, []int64{1}, ta.cache.IDs())

	// Broadcasts for records outside the cache stay ignored.
	ta.HandleMessage(protocol.MustEncode(protocol.FieldUpdated, protocol.FieldUpdatedPayload{
		Record: records.Record{ID: 7, Fields: map[string]any{"title": "remote"}},
		Field:  "title",
		Value:  "remote",
	}))
	_, cached = ta.cache.Get(7)
	assert.False(t, cached)
	assert.False(t, ta.events.has(EventRemoteUpdate))
}

func TestRollback_KeepsCreatedRecordWhileOtherEditsPend(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(7, "title", "draft")
	require.NoError(t, err)
	_, err = ta.SendUpdate(7, "amount", int64(3))
	require.NoError(t, err)

	p, _ := ta.Pending(7, "title")
	ta.HandleMessage(protocol.MustEncode(protocol.RecordUpdateError, protocol.RecordUpdateErrorPayload{
		RecordID: 7, Field: "title", Error: "nope", RequestID: p.RequestID,
	}))
	rec, cached := ta.cache.Get(7)
	require.True(t, cached)
	assert.Equal(t, map[string]any{"amount": int64(3)}, rec.Fields)

	ta.clock.Add(DefaultRollbackTimeout)
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	_, cached = ta.cache.Get(7)
	assert.False(t, cached)
}

func TestConfirmation_KeepsCreatedRecord(t *testing.T) {
	ta := newTestAgent(t, true)
	id, err := ta.SendUpdate(7, "title", "draft")
	require.NoError(t, err)
	ta.HandleMessage(protocol.MustEncode(protocol.FieldUpdated, protocol.FieldUpdatedPayload{
		Record:    records.Record{ID: 7, Fields: map[string]any{"title": "draft"}},
		Field:     "title",
		Value:     "draft",
		RequestID: id,
	}))
	_, err = ta.SendUpdate(7, "title", "second")
	require.NoError(t, err)
	ta.clock.Add(DefaultRollbackTimeout)
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	v, ok := ta.cache.Field(7, "title")
	require.True(t, ok)
	assert.Equal(t, "draft", v)
}

func TestRollbackExpired(t *testing.T) {
	ta := newTestAgent(t, true)
	_, err := ta.SendUpdate(1, "title", "new")
	require.NoError(t, err)
	assert.Equal(t, 0, ta.RollbackExpired())
	// The timer and the sweep may both fire; only one rolls back.
	p, _ := ta.Pending(1, "title")
	ta.clock.Set(p.Deadline)
	n := ta.RollbackExpired()
	require.Eventually(t, func() bool { return ta.PendingCount() == 0 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, n, 1)
	assert.Equal(t, "old", ta.field("title"))
}

func TestHandleMessage_DropsGarbage(t *testing.T) {
	ta := newTestAgent(t, true)
	ta.HandleMessage([]byte("not json"))
	ta.HandleMessage([]byte(`{"payload":{}}`))
	ta.HandleMessage([]byte(`{"type":"FIELD_UPDATED","payload":{"field":"title"}}`))
	assert.Equal(t, "old", ta.field("title"))
	assert.Empty(t, ta.events.kinds())
}

func TestConnected_SetsReady(t *testing.T) {
	ta := newTestAgent(t, true)
	assert.False(t, ta.Ready())
	ta.conn.in <- protocol.MustEncode(protocol.Connected, protocol.ConnectedPayload{Message: "hi", Clients: 3})
	require.Eventually(t, ta.Ready, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ta.events.has(EventConnected) }, time.Second, time.Millisecond)
}

func TestServe_SecondConnectionRejected(t *testing.T) {
	ta := newTestAgent(t, true)
	err := ta.Serve(context.Background(), newFakeConn())
	require.Error(t, err)
	require.NoError(t, ta.Close())
	assert.False(t, ta.Connected())
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(records.Record{ID: 2, Fields: map[string]any{"title": "b"}})
	c.SetField(1, "title", "a")
	assert.Equal(t, []int64{1, 2}, c.IDs())

	r, ok := c.Get(2)
	require.True(t, ok)
	r.Fields["title"] = "mutated"
	v, _ := c.Field(2, "title")
	assert.Equal(t, "b", v)

	id, ok := c.Field(2, "id")
	require.True(t, ok)
	assert.Equal(t, int64(2), id)

	c.DeleteField(2, "title")
	_, ok = c.Field(2, "title")
	assert.False(t, ok)
	c.Delete(1)
	assert.Equal(t, []int64{2}, c.IDs())
	_, ok = c.Field(3, "title")
	assert.False(t, ok)
}

// TestEndToEnd runs an agent against a real hub backed by SQLite.
func TestEndToEnd(t *testing.T) {
	store, err := records.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec, err := store.Create(ctx, map[string]any{"title": "old"})
	require.NoError(t, err)

	b := bus.NewMemory(0, nil)
	t.Cleanup(func() { _ = b.Close() })
	h := hub.New(store, b, hub.Options{})
	require.NoError(t, h.Start(ctx))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})

	cache := NewMemoryCache(rec)
	events := &eventLog{}
	a := New(cache, Options{OnEvent: events.add, ReconnectDelay: 10 * time.Millisecond})
	go func() { _ = a.Run(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")) }()
	require.Eventually(t, a.Ready, 5*time.Second, 5*time.Millisecond)

	_, err = a.SendUpdate(rec.ID, "title", "new")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.has(EventConfirmed) }, 5*time.Second, 5*time.Millisecond)
	v, _ := cache.Field(rec.ID, "title")
	assert.Equal(t, "new", v)
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Fields["title"])

	// A rejected edit is rolled back as soon as the error arrives.
	_, err = a.SendUpdate(rec.ID, "rate", int64(500))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.has(EventRolledBack) }, 5*time.Second, 5*time.Millisecond)
	_, pending := a.Pending(rec.ID, "rate")
	assert.False(t, pending)
}

// droppingBus accepts every publish and delivers none of them.
type droppingBus struct {
	bus.Bus
	mu      sync.Mutex
	dropped int
}

func (b *droppingBus) Publish(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped++
	return nil
}

func (b *droppingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func TestEndToEnd_LostConfirmationRollsBack(t *testing.T) {
	store, err := records.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec, err := store.Create(ctx, map[string]any{"title": "old"})
	require.NoError(t, err)

	mem := bus.NewMemory(0, nil)
	t.Cleanup(func() { _ = mem.Close() })
	db := &droppingBus{Bus: mem}
	h := hub.New(store, db, hub.Options{})
	require.NoError(t, h.Start(ctx))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})

	mock := clock.NewMock()
	cache := NewMemoryCache(rec)
	events := &eventLog{}
	a := New(cache, Options{Clock: mock, OnEvent: events.add})
	ws, err := a.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	go func() { _ = a.Serve(ctx, ws) }()
	require.Eventually(t, a.Ready, 5*time.Second, 5*time.Millisecond)

	_, err = a.SendUpdate(rec.ID, "title", "new")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "new", got.Fields["title"])
	v, _ := cache.Field(rec.ID, "title")
	assert.Equal(t, "new", v)

	// The confirmation never arrives; the rollback timer is the safety net.
	mock.Add(DefaultRollbackTimeout)
	require.Eventually(t, func() bool { return events.has(EventRolledBack) }, 5*time.Second, 5*time.Millisecond)
	v, _ = cache.Field(rec.ID, "title")
	assert.Equal(t, "old", v)
	assert.Equal(t, 0, a.PendingCount())
	assert.False(t, events.has(EventConfirmed))

	got, err = store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Fields["title"])
}
