package notify

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Snapshot is a point-in-time copy of the service counters.
type Snapshot struct {
	Sent              uint64 `json:"sent"`
	Delivered         uint64 `json:"delivered"`
	Immediate         uint64 `json:"immediate"`
	Undelivered       uint64 `json:"undelivered"`
	Duplicates        uint64 `json:"duplicates"`
	Broadcasts        uint64 `json:"broadcasts"`
	BroadcastSockets  uint64 `json:"broadcastSockets"`
	Connects          uint64 `json:"connects"`
	Disconnects       uint64 `json:"disconnects"`
	BatchesProcessed  uint64 `json:"batchesProcessed"`
	ConnectedSockets  int    `json:"connectedSockets"`
	ConnectedUsers    int    `json:"connectedUsers"`
	PendingUserQueues int    `json:"pendingUserQueues"`
}

type counters struct {
	sent             atomic.Uint64
	delivered        atomic.Uint64
	immediate        atomic.Uint64
	undelivered      atomic.Uint64
	duplicates       atomic.Uint64
	broadcasts       atomic.Uint64
	broadcastSockets atomic.Uint64
	connects         atomic.Uint64
	disconnects      atomic.Uint64
	batches          atomic.Uint64
}

func (c *counters) register(reg prometheus.Registerer, log logrus.FieldLogger) {
	if reg == nil {
		return
	}
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "chatrt",
			Subsystem: "notify",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	collectors := []prometheus.Collector{
		counter("sent_total", "Notifications accepted for delivery.", &c.sent),
		counter("delivered_total", "Queued notifications flushed to at least one socket.", &c.delivered),
		counter("immediate_total", "High-priority notifications emitted without batching.", &c.immediate),
		counter("undelivered_total", "Notifications for users without sockets.", &c.undelivered),
		counter("duplicates_total", "Notifications suppressed by the dedup cache.", &c.duplicates),
		counter("broadcasts_total", "Broadcast notifications.", &c.broadcasts),
		counter("broadcast_sockets_total", "Socket emissions made by broadcasts.", &c.broadcastSockets),
		counter("connects_total", "Notification socket connects.", &c.connects),
		counter("disconnects_total", "Notification socket disconnects.", &c.disconnects),
		counter("batches_total", "Batch flush ticks processed.", &c.batches),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			log.WithError(err).Warn("register notify metric")
		}
	}
}
