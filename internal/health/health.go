// Package health implements the Health & Metrics Surface (C9):
// component self-reports aggregated into one JSON tree, mirrored into
// Prometheus gauges for scraping.
package health

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/fabric"
	"github.com/mwork/photofabric/internal/queue"
	"github.com/mwork/photofabric/internal/worker"
)

// QueueSection mirrors queue.Depth for the JSON tree.
type QueueSection struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	DLQ     int64 `json:"dlq"`
}

// WorkerSection mirrors worker.Health plus the pool's lifecycle.
type WorkerSection struct {
	Lifecycle      string    `json:"lifecycle"`
	ActiveJobs     int64     `json:"active_jobs"`
	ProcessedTotal int64     `json:"processed_total"`
	FailedTotal    int64     `json:"failed_total"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
}

// FabricSection reports the room router's local connection count.
type FabricSection struct {
	Connections int `json:"connections"`
}

// EventsSection mirrors events.Stats.
type EventsSection struct {
	Published           int64  `json:"published"`
	Delivered           int64  `json:"delivered"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	TransportError      string `json:"transport_error,omitempty"`
}

// Tree is the aggregated self-report spec.md §4.C9 asks for.
type Tree struct {
	Queue     QueueSection  `json:"queue"`
	Worker    WorkerSection `json:"worker"`
	Fabric    FabricSection `json:"fabric"`
	Events    EventsSection `json:"events"`
	Timestamp time.Time     `json:"timestamp"`
}

// Aggregator pulls a snapshot from each component on demand and keeps
// the matching Prometheus gauges in sync (spec.md §4.C9).
type Aggregator struct {
	queue   *queue.Queue
	pool    *worker.Pool
	router  *fabric.Router
	channel *events.Channel

	queueDepth     *prometheus.GaugeVec
	workerActive   prometheus.Gauge
	workerProcessed prometheus.Gauge
	workerFailed    prometheus.Gauge
	fabricConns     prometheus.Gauge
	eventsPublished prometheus.Gauge
	eventsDelivered prometheus.Gauge
}

// New builds an Aggregator bound to the running components. pool may
// be nil for the API process (which has no worker pool of its own).
func New(q *queue.Queue, pool *worker.Pool, router *fabric.Router, ch *events.Channel, registerer prometheus.Registerer) *Aggregator {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Aggregator{
		queue:   q,
		pool:    pool,
		router:  router,
		channel: ch,

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "photofabric_queue_depth",
			Help: "Current job queue depth by state.",
		}, []string{"state"}),
		workerActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_worker_active_jobs",
			Help: "Jobs currently being processed across the worker pool.",
		}),
		workerProcessed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_worker_processed_total",
			Help: "Jobs successfully completed since pool start.",
		}),
		workerFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_worker_failed_total",
			Help: "Jobs that ended in nack or dead-letter since pool start.",
		}),
		fabricConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_fabric_connections",
			Help: "Locally registered websocket connections.",
		}),
		eventsPublished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_events_published_total",
			Help: "Events published on the event channel.",
		}),
		eventsDelivered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "photofabric_events_delivered_total",
			Help: "Event deliveries completed across all subscriptions.",
		}),
	}
}

// Collect builds the JSON tree and updates every Prometheus gauge.
func (a *Aggregator) Collect(ctx context.Context) Tree {
	tree := Tree{Timestamp: time.Now()}

	if a.queue != nil {
		if depth, err := a.queue.Depth(ctx); err == nil {
			tree.Queue = QueueSection{Waiting: depth.Waiting, Delayed: depth.Delayed, Active: depth.Active, DLQ: depth.DLQ}
			a.queueDepth.WithLabelValues("waiting").Set(float64(depth.Waiting))
			a.queueDepth.WithLabelValues("delayed").Set(float64(depth.Delayed))
			a.queueDepth.WithLabelValues("active").Set(float64(depth.Active))
			a.queueDepth.WithLabelValues("dlq").Set(float64(depth.DLQ))
		}
	}

	if a.pool != nil {
		h := a.pool.Health()
		tree.Worker = WorkerSection{
			Lifecycle:      string(a.pool.Lifecycle()),
			ActiveJobs:     h.ActiveJobs,
			ProcessedTotal: h.ProcessedTotal,
			FailedTotal:    h.FailedTotal,
			LastHeartbeat:  h.LastHeartbeat,
		}
		a.workerActive.Set(float64(h.ActiveJobs))
		a.workerProcessed.Set(float64(h.ProcessedTotal))
		a.workerFailed.Set(float64(h.FailedTotal))
	}

	if a.router != nil {
		tree.Fabric = FabricSection{Connections: a.router.ConnectionCount()}
		a.fabricConns.Set(float64(tree.Fabric.Connections))
	}

	if a.channel != nil {
		stats := a.channel.Stats(ctx)
		tree.Events = EventsSection{
			Published:           stats.Published,
			Delivered:           stats.Delivered,
			ActiveSubscriptions: stats.ActiveSubscriptions,
		}
		if stats.LastTransportPing != nil {
			tree.Events.TransportError = stats.LastTransportPing.Error()
		}
		a.eventsPublished.Set(float64(stats.Published))
		a.eventsDelivered.Set(float64(stats.Delivered))
	}

	return tree
}
