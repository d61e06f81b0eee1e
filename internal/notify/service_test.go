package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anichat-rt/internal/model"
	"anichat-rt/internal/presence"
)

type emission struct {
	socketID string
	event    string
	payload  []byte
}

type fakeEmitter struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	out   []emission

	onSocketEmit func(n int)
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{rooms: make(map[string]map[string]struct{})}
}

func (f *fakeEmitter) join(room, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]struct{})
	}
	f.rooms[room][id] = struct{}{}
}

func (f *fakeEmitter) leave(room, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[room], id)
	if len(f.rooms[room]) == 0 {
		delete(f.rooms, room)
	}
}

func (f *fakeEmitter) EmitTo(room, event string, args ...any) int {
	payload, _ := json.Marshal(args)
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.rooms[room] {
		f.out = append(f.out, emission{socketID: id, event: event, payload: payload})
	}
	return len(f.rooms[room])
}

func (f *fakeEmitter) EmitToSocket(id, event string, args ...any) error {
	payload, _ := json.Marshal(args)
	f.mu.Lock()
	f.out = append(f.out, emission{socketID: id, event: event, payload: payload})
	n := len(f.out)
	hook := f.onSocketEmit
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeEmitter) DisconnectAll(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	for _, set := range f.rooms {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	f.rooms = make(map[string]map[string]struct{})
	return len(seen)
}

func (f *fakeEmitter) received(socketID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.out {
		if e.socketID == socketID && e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeEmitter) batches(socketID string) [][]model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]model.Notification
	for _, e := range f.out {
		if e.socketID != socketID || e.event != EventBatch {
			continue
		}
		var args [][]model.Notification
		if err := json.Unmarshal(e.payload, &args); err == nil && len(args) == 1 {
			out = append(out, args[0])
		}
	}
	return out
}

type fakeConn struct {
	id, user string
	em       *fakeEmitter
}

func (c fakeConn) ID() string        { return c.id }
func (c fakeConn) UserID() string    { return c.user }
func (c fakeConn) Join(room string)  { c.em.join(room, c.id) }
func (c fakeConn) Leave(room string) { c.em.leave(room, c.id) }

func newService(t *testing.T, opts Options) (*Service, *fakeEmitter) {
	t.Helper()
	em := newFakeEmitter()
	opts.Emitter = em
	return New(opts), em
}

func note(id string, p model.NotificationPriority) model.Notification {
	return model.Notification{ID: id, Type: "message", Priority: p, Title: "hi"}
}

func TestSend_NoSocketsReportsUndelivered(t *testing.T) {
	svc, em := newService(t, Options{})

	assert.False(t, svc.SendNotificationToUser("nobody", note("n1", model.PriorityNormal)))
	svc.Flush()

	assert.Empty(t, em.out)
	assert.Equal(t, uint64(1), svc.Metrics().Undelivered)
}

func TestSend_DuplicateWithinTTLEmitsOnce(t *testing.T) {
	svc, em := newService(t, Options{})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})

	assert.True(t, svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal)))
	assert.True(t, svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal)))
	svc.Flush()
	svc.Flush()

	batches := em.batches("s1")
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "n1", batches[0][0].ID)
	assert.Equal(t, uint64(1), svc.Metrics().Duplicates)
}

func TestSend_DedupExpires(t *testing.T) {
	svc, em := newService(t, Options{DedupTTL: 30 * time.Millisecond})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})

	svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))
	svc.Flush()
	require.Eventually(t, func() bool {
		svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))
		svc.Flush()
		return len(em.batches("s1")) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSend_MultiDeviceFanOut(t *testing.T) {
	svc, em := newService(t, Options{})
	svc.HandleConnect(fakeConn{id: "a1", user: "alice", em: em})
	svc.HandleConnect(fakeConn{id: "a2", user: "alice", em: em})
	svc.HandleConnect(fakeConn{id: "b1", user: "bob", em: em})

	require.True(t, svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal)))
	svc.Flush()

	assert.Len(t, em.batches("a1"), 1)
	assert.Len(t, em.batches("a2"), 1)
	assert.Empty(t, em.batches("b1"))
}

func TestSend_ImmediatePriorityAlsoQueued(t *testing.T) {
	svc, em := newService(t, Options{})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})

	svc.SendNotificationToUser("alice", note("urgent", model.PriorityCritical))
	assert.Equal(t, 1, em.received("s1", EventNewNotification))
	assert.Empty(t, em.batches("s1"))

	svc.Flush()
	assert.Len(t, em.batches("s1"), 1)
}

func TestSend_BatchKeepsOrder(t *testing.T) {
	svc, em := newService(t, Options{})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})

	for i := 0; i < 5; i++ {
		svc.SendNotificationToUser("alice", note(fmt.Sprintf("n%d", i), model.PriorityNormal))
	}
	svc.Flush()

	batches := em.batches("s1")
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 5)
	for i, n := range batches[0] {
		assert.Equal(t, fmt.Sprintf("n%d", i), n.ID)
		assert.Equal(t, "alice", n.UserID)
	}
	assert.Zero(t, svc.Metrics().PendingUserQueues)
}

func TestDisconnect_LastSocketRemovesUser(t *testing.T) {
	pres := presence.NewMemory(time.Minute)
	svc, em := newService(t, Options{Presence: pres})
	conn := fakeConn{id: "s1", user: "alice", em: em}
	svc.HandleConnect(conn)
	require.NoError(t, pres.SetOnline(context.Background(), "alice", true))

	svc.HandleDisconnect(conn)

	assert.False(t, svc.Hub().Online("alice"))
	assert.False(t, svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal)))
	online, err := pres.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestFlush_UserGoneBeforeTickIsNoop(t *testing.T) {
	svc, em := newService(t, Options{})
	conn := fakeConn{id: "s1", user: "alice", em: em}
	svc.HandleConnect(conn)
	require.True(t, svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal)))

	svc.HandleDisconnect(conn)
	assert.NotPanics(t, svc.Flush)
	assert.Empty(t, em.batches("s1"))
	assert.Zero(t, svc.Metrics().Delivered)
}

func TestBroadcast_ChunksReachEverySocket(t *testing.T) {
	svc, em := newService(t, Options{BroadcastChunkSize: 10})
	const n = 35
	for i := 0; i < n; i++ {
		svc.HandleConnect(fakeConn{id: fmt.Sprintf("s%02d", i), user: fmt.Sprintf("u%02d", i), em: em})
	}

	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	var yielded atomic.Bool
	var sawYieldAt atomic.Int64
	em.onSocketEmit = func(count int) {
		if yielded.Load() && sawYieldAt.Load() == 0 {
			sawYieldAt.Store(int64(count))
		}
	}
	go yielded.Store(true)

	sent := svc.BroadcastNotification(context.Background(), note("sys", model.PriorityNormal))
	assert.Equal(t, n, sent)
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, em.received(fmt.Sprintf("s%02d", i), EventBroadcast))
	}
	assert.Greater(t, sawYieldAt.Load(), int64(0), "broadcast never yielded")
	assert.Less(t, sawYieldAt.Load(), int64(n))
}

func TestBroadcast_StopsWhenCancelled(t *testing.T) {
	svc, em := newService(t, Options{BroadcastChunkSize: 5})
	for i := 0; i < 20; i++ {
		svc.HandleConnect(fakeConn{id: fmt.Sprintf("s%02d", i), user: "u", em: em})
	}
	ctx, cancel := context.WithCancel(context.Background())
	em.onSocketEmit = func(count int) {
		if count == 5 {
			cancel()
		}
	}

	sent := svc.BroadcastNotification(ctx, note("sys", model.PriorityNormal))
	assert.Equal(t, 5, sent)
}

func TestStartStop_FlushesAndDisconnects(t *testing.T) {
	svc, em := newService(t, Options{BatchInterval: time.Hour})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})
	svc.Start(context.Background())
	svc.Start(context.Background())

	svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))
	svc.Stop()

	assert.Len(t, em.batches("s1"), 1)
	assert.Equal(t, 0, em.EmitTo(Room("alice"), "x"))
	svc.Stop()
}

func TestStart_TickerFlushes(t *testing.T) {
	svc, em := newService(t, Options{BatchInterval: 10 * time.Millisecond})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))
	require.Eventually(t, func() bool { return len(em.batches("s1")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMetrics_ExportedToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, em := newService(t, Options{Registerer: reg})
	svc.HandleConnect(fakeConn{id: "s1", user: "alice", em: em})
	svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))
	svc.SendNotificationToUser("alice", note("n1", model.PriorityNormal))

	families, err := reg.Gather()
	require.NoError(t, err)
	var duplicates float64
	for _, mf := range families {
		if mf.GetName() == "chatrt_notify_duplicates_total" {
			duplicates = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), duplicates)

	snap := svc.Metrics()
	assert.Equal(t, uint64(1), snap.Sent)
	assert.Equal(t, uint64(1), snap.Connects)
	assert.Equal(t, 1, snap.ConnectedSockets)

	assert.NotPanics(t, func() { New(Options{Registerer: reg}) })
}
