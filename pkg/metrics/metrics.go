// Package metrics provides observability for geodoc using Prometheus metrics. It offers
// collectors for the connection pool, the data-access engine and change feeds.
//
// # Basic Usage
//
//	// Track pool state
//	pc := metrics.NewPoolCollector("primary")
//	pc.ConnectionCreated()
//	pc.SetSizes(total, free)
//
//	// Time a data-access operation
//	tc := metrics.NewTableCollector("places")
//	timer := metrics.NewTimer("read")
//	doc, err := read()
//	tc.ObserveOperation("read", err, timer.Stop())
//
// Collectors are thin views over package-level vectors curried with the component's
// name, so creating several collectors for the same name is cheap and shares series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geodoc"

// Operation status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// PoolConnections tracks tracked (total) and idle (free) connections per pool.
	// Labels: pool, state (total/free)
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Number of connections tracked by the pool",
		},
		[]string{"pool", "state"},
	)

	// PoolConnectionsCreated counts physical connections opened by the pool.
	PoolConnectionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_connections_created_total",
			Help:      "Total number of connections opened by the pool",
		},
		[]string{"pool"},
	)

	// PoolConnectionsClosed counts physical connections closed by the pool.
	PoolConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_connections_closed_total",
			Help:      "Total number of connections closed by the pool",
		},
		[]string{"pool"},
	)

	// PoolReconnects counts in-place reconnect attempts.
	// Labels: pool, status (success/failure)
	PoolReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_reconnects_total",
			Help:      "Total number of reconnect attempts by the maintenance loop",
		},
		[]string{"pool", "status"},
	)

	// PoolMaintenanceErrors counts failures inside the maintenance loop.
	// Labels: pool, phase (grow/shrink/heal)
	PoolMaintenanceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_maintenance_errors_total",
			Help:      "Total number of errors raised by pool maintenance",
		},
		[]string{"pool", "phase"},
	)

	// PoolAcquireTimeouts counts acquisitions that gave up waiting.
	PoolAcquireTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_timeouts_total",
			Help:      "Total number of connection acquisitions that timed out",
		},
		[]string{"pool"},
	)

	// PoolAcquireWait tracks how long callers wait for a connection, in seconds.
	PoolAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a free connection",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 60},
		},
		[]string{"pool"},
	)

	// DAOOperations counts data-access operations.
	// Labels: table, operation, status (success/failure)
	DAOOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dao_operations_total",
			Help:      "Total number of data-access operations",
		},
		[]string{"table", "operation", "status"},
	)

	// DAOOperationLatency tracks data-access latency in seconds.
	DAOOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dao_operation_duration_seconds",
			Help:      "Data-access operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table", "operation"},
	)

	// ChangeFeedEvents counts delivered change feed elements.
	// Labels: table, kind (insert/update/delete)
	ChangeFeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_events_total",
			Help:      "Total number of change feed elements delivered",
		},
		[]string{"table", "kind"},
	)

	// ChangeFeedDropped counts change events that were not delivered.
	// Labels: table, reason
	ChangeFeedDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changefeed_dropped_total",
			Help:      "Total number of change events dropped",
		},
		[]string{"table", "reason"},
	)
)

// PoolCollector records the metrics of one connection pool.
type PoolCollector struct {
	name         string
	total        prometheus.Gauge
	free         prometheus.Gauge
	created      prometheus.Counter
	closed       prometheus.Counter
	timeouts     prometheus.Counter
	acquireWait  prometheus.Observer
	reconnectOK  prometheus.Counter
	reconnectErr prometheus.Counter
}

// NewPoolCollector creates a collector for the named pool.
func NewPoolCollector(pool string) *PoolCollector {
	return &PoolCollector{
		name:         pool,
		total:        PoolConnections.WithLabelValues(pool, "total"),
		free:         PoolConnections.WithLabelValues(pool, "free"),
		created:      PoolConnectionsCreated.WithLabelValues(pool),
		closed:       PoolConnectionsClosed.WithLabelValues(pool),
		timeouts:     PoolAcquireTimeouts.WithLabelValues(pool),
		acquireWait:  PoolAcquireWait.WithLabelValues(pool),
		reconnectOK:  PoolReconnects.WithLabelValues(pool, StatusSuccess),
		reconnectErr: PoolReconnects.WithLabelValues(pool, StatusFailure),
	}
}

// Name returns the pool label.
func (c *PoolCollector) Name() string { return c.name }

// SetSizes publishes the tracked and idle connection counts.
func (c *PoolCollector) SetSizes(total, free int) {
	c.total.Set(float64(total))
	c.free.Set(float64(free))
}

// ConnectionCreated counts an opened connection.
func (c *PoolCollector) ConnectionCreated() { c.created.Inc() }

// ConnectionClosed counts a closed connection.
func (c *PoolCollector) ConnectionClosed() { c.closed.Inc() }

// AcquireTimedOut counts an acquisition timeout.
func (c *PoolCollector) AcquireTimedOut() { c.timeouts.Inc() }

// ObserveAcquire records the time a caller waited for a connection.
func (c *PoolCollector) ObserveAcquire(d time.Duration) { c.acquireWait.Observe(d.Seconds()) }

// Reconnected counts a reconnect attempt.
func (c *PoolCollector) Reconnected(err error) {
	if err != nil {
		c.reconnectErr.Inc()
		return
	}
	c.reconnectOK.Inc()
}

// MaintenanceError counts a failed maintenance phase.
func (c *PoolCollector) MaintenanceError(phase string) {
	PoolMaintenanceErrors.WithLabelValues(c.name, phase).Inc()
}

// TableCollector records the metrics of data-access operations on one table.
type TableCollector struct {
	table string
}

// NewTableCollector creates a collector for the named table.
func NewTableCollector(table string) *TableCollector {
	return &TableCollector{table: table}
}

// ObserveOperation counts an operation and records its latency.
func (c *TableCollector) ObserveOperation(operation string, err error, d time.Duration) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	DAOOperations.WithLabelValues(c.table, operation, status).Inc()
	DAOOperationLatency.WithLabelValues(c.table, operation).Observe(d.Seconds())
}

// ChangeEvent counts a delivered change feed element.
func (c *TableCollector) ChangeEvent(kind string) {
	ChangeFeedEvents.WithLabelValues(c.table, kind).Inc()
}

// ChangeDropped counts a change event that was not delivered.
func (c *TableCollector) ChangeDropped(reason string) {
	ChangeFeedDropped.WithLabelValues(c.table, reason).Inc()
}

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. The timer can be stopped multiple
// times, each returning the total elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
