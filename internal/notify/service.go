// Package notify fans notifications out to the sockets of online users.
//
// Normal notifications are queued per user and flushed as one
// "notifications_batch" event on every tick. Alert and critical ones are also
// emitted right away as "new_notification". A bounded, expiring cache of
// (user, notification id) fingerprints suppresses redelivery.
package notify

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/hub"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/model"
	"anichat-rt/internal/presence"
)

const (
	Namespace = "/notifications"

	EventNewNotification = "new_notification"
	EventBatch           = "notifications_batch"
	EventBroadcast       = "broadcast_notification"
	EventPing            = "ping"
	EventPresence        = "presence"

	DefaultBatchInterval      = 100 * time.Millisecond
	DefaultDedupTTL           = 5 * time.Minute
	DefaultDedupSize          = 10000
	DefaultBroadcastChunkSize = 100
)

// Room is the broadcast group holding every socket of userID.
func Room(userID string) string { return "user:" + userID }

// Emitter delivers events to rooms and individual sockets of the
// notification namespace.
type Emitter interface {
	EmitTo(room, event string, args ...any) int
	EmitToSocket(socketID, event string, args ...any) error
	DisconnectAll(reason string) int
}

// Conn is the part of a socket the service needs on connect and disconnect.
type Conn interface {
	ID() string
	UserID() string
	Join(room string)
	Leave(room string)
}

type Options struct {
	Emitter    Emitter
	Hub        *hub.Hub
	Presence   presence.Tracker
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer

	BatchInterval      time.Duration
	DedupTTL           time.Duration
	DedupSize          int
	BroadcastChunkSize int

	Now func() time.Time
}

type Service struct {
	emitter   Emitter
	hub       *hub.Hub
	presence  presence.Tracker
	log       logrus.FieldLogger
	now       func() time.Time
	interval  time.Duration
	chunkSize int

	mu    sync.Mutex
	dedup *expirable.LRU[string, struct{}]
	queue map[string][]model.Notification

	stats counters

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(opts Options) *Service {
	s := &Service{
		emitter:   opts.Emitter,
		hub:       opts.Hub,
		presence:  opts.Presence,
		log:       opts.Logger,
		now:       opts.Now,
		interval:  opts.BatchInterval,
		chunkSize: opts.BroadcastChunkSize,
		queue:     make(map[string][]model.Notification),
	}
	if s.hub == nil {
		s.hub = hub.New()
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.WithField("component", "notify")
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = DefaultBatchInterval
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultBroadcastChunkSize
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	size := opts.DedupSize
	if size <= 0 {
		size = DefaultDedupSize
	}
	s.dedup = expirable.NewLRU[string, struct{}](size, nil, ttl)
	s.stats.register(opts.Registerer, s.log)
	return s
}

func (s *Service) Hub() *hub.Hub { return s.hub }

// Start runs the batch flush loop until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Stop cancels the flush loop, flushes what is still queued and disconnects
// every socket of the namespace.
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.Flush()
	if s.emitter != nil {
		n := s.emitter.DisconnectAll("server shutting down")
		s.log.WithField("sockets", n).Info("notification sockets disconnected")
	}
}

func (s *Service) HandleConnect(c Conn) {
	c.Join(Room(c.UserID()))
	s.hub.Register(c.UserID(), c.ID())
	s.stats.connects.Add(1)
	s.log.WithFields(logrus.Fields{
		"user":   c.UserID(),
		"socket": c.ID(),
	}).Debug("notification socket registered")
}

func (s *Service) HandleDisconnect(c Conn) {
	c.Leave(Room(c.UserID()))
	last := s.hub.Unregister(c.UserID(), c.ID())
	s.stats.disconnects.Add(1)
	if last && s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.presence.SetOnline(ctx, c.UserID(), false); err != nil {
			s.log.WithError(err).WithField("user", c.UserID()).Warn("clear presence")
		}
	}
}

func dedupKey(userID, notificationID string) string {
	return userID + ":" + notificationID
}

// SendNotificationToUser queues n for userID. It returns false when the user
// has no registered socket; a duplicate within the dedup TTL returns true
// without emitting anything.
func (s *Service) SendNotificationToUser(userID string, n model.Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.now().UnixMilli()
	}
	n.UserID = userID
	key := dedupKey(userID, n.ID)

	s.mu.Lock()
	if _, dup := s.dedup.Peek(key); dup {
		s.mu.Unlock()
		s.stats.duplicates.Add(1)
		return true
	}
	if !s.hub.Online(userID) {
		s.mu.Unlock()
		s.stats.undelivered.Add(1)
		return false
	}
	s.dedup.Add(key, struct{}{})
	s.queue[userID] = append(s.queue[userID], n)
	s.mu.Unlock()

	s.stats.sent.Add(1)
	if n.Priority.Immediate() && s.emitter != nil {
		s.emitter.EmitTo(Room(userID), EventNewNotification, n)
		s.stats.immediate.Add(1)
	}
	return true
}

// Flush emits every pending per-user queue as one batch and clears it.
func (s *Service) Flush() {
	s.mu.Lock()
	pending := s.queue
	s.queue = make(map[string][]model.Notification)
	s.mu.Unlock()

	s.stats.batches.Add(1)
	if len(pending) == 0 || s.emitter == nil {
		return
	}
	for userID, batch := range pending {
		if !s.hub.Online(userID) {
			s.log.WithFields(logrus.Fields{
				"user":  userID,
				"count": len(batch),
			}).Debug("user went offline before flush")
			continue
		}
		if s.emitter.EmitTo(Room(userID), EventBatch, batch) > 0 {
			s.stats.delivered.Add(uint64(len(batch)))
		}
	}
}

// BroadcastNotification emits n to every registered socket, yielding between
// chunks. It returns the number of sockets reached.
func (s *Service) BroadcastNotification(ctx context.Context, n model.Notification) int {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.now().UnixMilli()
	}
	s.stats.broadcasts.Add(1)
	if s.emitter == nil {
		return 0
	}

	ids := s.hub.All()
	sent := 0
	for start := 0; start < len(ids); start += s.chunkSize {
		if err := ctx.Err(); err != nil {
			s.log.WithError(err).WithField("sent", sent).Warn("broadcast cancelled")
			break
		}
		end := start + s.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if err := s.emitter.EmitToSocket(id, EventBroadcast, n); err != nil {
				continue
			}
			sent++
		}
		runtime.Gosched()
	}
	s.stats.broadcastSockets.Add(uint64(sent))
	s.log.WithFields(logrus.Fields{
		"notification": n.ID,
		"sockets":      sent,
	}).Info("broadcast sent")
	return sent
}

func (s *Service) Metrics() Snapshot {
	s.mu.Lock()
	pending := len(s.queue)
	s.mu.Unlock()
	return Snapshot{
		Sent:              s.stats.sent.Load(),
		Delivered:         s.stats.delivered.Load(),
		Immediate:         s.stats.immediate.Load(),
		Undelivered:       s.stats.undelivered.Load(),
		Duplicates:        s.stats.duplicates.Load(),
		Broadcasts:        s.stats.broadcasts.Load(),
		BroadcastSockets:  s.stats.broadcastSockets.Load(),
		Connects:          s.stats.connects.Load(),
		Disconnects:       s.stats.disconnects.Load(),
		BatchesProcessed:  s.stats.batches.Load(),
		ConnectedSockets:  s.hub.Count(),
		ConnectedUsers:    s.hub.Users(),
		PendingUserQueues: pending,
	}
}
