package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmesh_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatmesh_active_connections",
			Help: "Connection actors currently running on this instance",
		},
	)

	ActorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_actor_requests_total",
			Help: "Client requests handled by connection actors",
		},
		[]string{"type", "result"},
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_messages_sent_total",
			Help: "Messages persisted by send",
		},
		[]string{"encrypted"},
	)

	MessagesRecalled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmesh_messages_recalled_total",
			Help: "Messages recalled",
		},
	)

	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_fanout_deliveries_total",
			Help: "Per-recipient fan-out outcomes",
		},
		[]string{"route"}, // "local", "bus", "offline"
	)

	SendRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_send_rejected_total",
			Help: "Send requests rejected before persistence",
		},
		[]string{"reason"},
	)

	// Bus metrics
	BusPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmesh_bus_publish_failures_total",
			Help: "Bus publishes that exhausted their retries",
		},
	)

	BusEventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_bus_events_consumed_total",
			Help: "Bus events read by this instance",
		},
		[]string{"result"}, // "applied", "duplicate", "failed"
	)

	// Directory metrics
	DirectoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_directory_lookups_total",
			Help: "Routing directory lookups",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// Membership metrics
	LeavesFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatmesh_leaves_finalized_total",
			Help: "Session relations removed by the leave sweeper",
		},
	)

	// Auth metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatmesh_login_attempts_total",
			Help: "Login attempts by outcome",
		},
		[]string{"result"}, // "ok", "bad_credentials", "locked", "banned", "unverified", "maintenance"
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatmesh_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatmesh_store_latency_seconds",
			Help:    "Database transaction latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
