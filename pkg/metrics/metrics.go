package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workorderd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workorderd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// orderTransitions counts order state transitions by from/to state.
	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Total order state transitions grouped by from/to state.",
		},
		[]string{"from", "to"},
	)

	// itemTransitions counts item state transitions by from/to state.
	itemTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "items",
			Name:      "transitions_total",
			Help:      "Total item state transitions grouped by from/to state.",
		},
		[]string{"from", "to"},
	)

	// allocatorPlans counts allocator Plan/Propose calls grouped by order type and outcome.
	allocatorPlans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "allocator",
			Name:      "plans_total",
			Help:      "Total allocator plan/propose calls grouped by order type and outcome.",
		},
		[]string{"order_type", "outcome"},
	)

	allocatorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "workorderd",
			Subsystem: "allocator",
			Name:      "queue_depth",
			Help:      "Number of items currently queued and available for checkout, by order type.",
		},
		[]string{"order_type"},
	)

	// leaseOps counts lease engine operations grouped by op and outcome.
	leaseOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "lease",
			Name:      "operations_total",
			Help:      "Total lease engine operations grouped by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	leaseConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "lease",
			Name:      "conflicts_total",
			Help:      "Total lease acquisition attempts that lost a race to another agent, by item type.",
		},
		[]string{"item_type"},
	)

	// applyDuration observes the wall-clock time spent applying an order.
	applyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workorderd",
			Subsystem: "executor",
			Name:      "apply_duration_seconds",
			Help:      "Duration of order Apply calls, by order type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"order_type"},
	)

	executorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "executor",
			Name:      "outcomes_total",
			Help:      "Total executor operation outcomes grouped by operation and result.",
		},
		[]string{"op", "result"},
	)

	// maintainerSweeps counts maintainer passes grouped by action and outcome.
	maintainerSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "maintainer",
			Name:      "sweeps_total",
			Help:      "Total maintainer sweep actions grouped by action (reclaim|dead_letter|stale) and outcome.",
		},
		[]string{"action", "outcome"},
	)

	maintainerAffected = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workorderd",
			Subsystem: "maintainer",
			Name:      "affected_count",
			Help:      "Number of orders/items affected per maintainer sweep, by action.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
		[]string{"action"},
	)

	// idempotencyHits counts idempotency guard cache hits/misses.
	idempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workorderd",
			Subsystem: "idempotency",
			Name:      "lookups_total",
			Help:      "Total idempotency guard lookups grouped by operation and result (hit|miss|conflict).",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		orderTransitions,
		itemTransitions,
		allocatorPlans,
		allocatorQueueDepth,
		leaseOps,
		leaseConflicts,
		applyDuration,
		executorOutcomes,
		maintainerSweeps,
		maintainerAffected,
		idempotencyHits,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOrderTransition records an order state machine transition.
func RecordOrderTransition(from, to string) {
	orderTransitions.WithLabelValues(orDefault(from), orDefault(to)).Inc()
}

// RecordItemTransition records an item state machine transition.
func RecordItemTransition(from, to string) {
	itemTransitions.WithLabelValues(orDefault(from), orDefault(to)).Inc()
}

// RecordAllocatorPlan records an allocator propose/plan call and its outcome
// ("created", "idempotent_replay", "error").
func RecordAllocatorPlan(orderType, outcome string) {
	allocatorPlans.WithLabelValues(orDefault(orderType), orDefault(outcome)).Inc()
}

// SetAllocatorQueueDepth publishes the current count of checkout-eligible
// items for an order type.
func SetAllocatorQueueDepth(orderType string, depth int) {
	allocatorQueueDepth.WithLabelValues(orDefault(orderType)).Set(float64(depth))
}

// RecordLeaseOp records a lease engine operation outcome ("acquired",
// "exhausted", "not_found", "expired", "released").
func RecordLeaseOp(op, outcome string) {
	leaseOps.WithLabelValues(orDefault(op), orDefault(outcome)).Inc()
}

// RecordLeaseConflict records a lost race for an item's lease.
func RecordLeaseConflict(itemType string) {
	leaseConflicts.WithLabelValues(orDefault(itemType)).Inc()
}

// RecordApplyDuration observes the time spent applying an order of the given type.
func RecordApplyDuration(orderType string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	applyDuration.WithLabelValues(orDefault(orderType)).Observe(d.Seconds())
}

// RecordExecutorOutcome records the result ("ok", "rejected", "error") of an
// executor operation ("submit", "approve", "apply", "reject", "fail",
// "submit_part", "finalize").
func RecordExecutorOutcome(op, result string) {
	executorOutcomes.WithLabelValues(orDefault(op), orDefault(result)).Inc()
}

// RecordMaintainerSweep records a maintainer pass and how many rows it affected.
func RecordMaintainerSweep(action string, affected int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	maintainerSweeps.WithLabelValues(orDefault(action), outcome).Inc()
	if affected < 0 {
		affected = 0
	}
	maintainerAffected.WithLabelValues(orDefault(action)).Observe(float64(affected))
}

// RecordIdempotencyLookup records an idempotency guard cache lookup result
// ("hit", "miss", "conflict").
func RecordIdempotencyLookup(operation, result string) {
	idempotencyHits.WithLabelValues(orDefault(operation), orDefault(result)).Inc()
}

func orDefault(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into a stable low-cardinality
// label so per-order/per-item IDs don't explode the requests_total series.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "orders":
		if len(parts) == 1 {
			return "/orders"
		}
		if len(parts) == 2 {
			return "/orders/:orderID"
		}
		return "/orders/:orderID/" + strings.Join(parts[2:], "/")
	case "items":
		if len(parts) == 1 {
			return "/items"
		}
		if len(parts) == 2 {
			return "/items/:itemID"
		}
		return "/items/:itemID/" + strings.Join(parts[2:], "/")
	default:
		return "/" + parts[0]
	}
}
