package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_published_total",
			Help: "Total number of messages published per queue (count)",
		},
		[]string{"queue"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Total number of messages consumed per queue (count)",
		},
		[]string{"queue", "status"},
	)

	MessagesRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_retried_total",
			Help: "Total number of message retry re-queues per queue (count)",
		},
		[]string{"queue"},
	)

	MessagesDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_dead_lettered_total",
			Help: "Total number of messages moved to a dead-letter queue (count)",
		},
		[]string{"queue", "reason"},
	)

	MessagesExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_expired_total",
			Help: "Total number of messages dropped because their TTL elapsed (count)",
		},
		[]string{"queue"},
	)

	DeadLettersReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_letters_replayed_total",
			Help: "Total number of dead-lettered messages replayed to their original queue (count)",
		},
		[]string{"queue"},
	)

	BrokerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_broker_events_total",
			Help: "Total broker events reported through the metrics sink (count)",
		},
		[]string{"event", "queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of message ids waiting in a queue (count)",
		},
		[]string{"queue"},
	)

	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_active_subscriptions",
			Help: "Number of active subscriptions per queue (count)",
		},
		[]string{"queue"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_handler_duration_ms",
			Help:    "Message handler execution time in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"queue", "status"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_store_operations_total",
			Help: "Total number of backing store operations (count)",
		},
		[]string{"operation", "status"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_store_operation_duration_ms",
			Help:    "Backing store operation duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	NodeHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_node_healthy",
			Help: "Whether a node is in the healthy set (1=healthy, 0=unhealthy)",
		},
		[]string{"node_id"},
	)

	NodeLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_node_latency_ms",
			Help: "Rolling health-check latency per node in milliseconds",
		},
		[]string{"node_id"},
	)

	NodeUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_node_utilization",
			Help: "Node utilization (in-flight connections over capacity, 0.0 to 1.0+)",
		},
		[]string{"node_id"},
	)

	ClusterNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_nodes",
			Help: "Number of cluster nodes by status (count)",
		},
		[]string{"status"},
	)

	NodeSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_node_selections_total",
			Help: "Total number of load balancer selections per node (count)",
		},
		[]string{"node_id", "algorithm"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_health_checks_total",
			Help: "Total number of node health checks (count)",
		},
		[]string{"node_id", "status"},
	)

	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_scaling_actions_total",
			Help: "Total number of auto-scaling actions (count)",
		},
		[]string{"direction"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

func RegisterQueueMetrics() {
	prometheus.MustRegister(MessagesPublishedTotal)
	prometheus.MustRegister(MessagesConsumedTotal)
	prometheus.MustRegister(MessagesRetriedTotal)
	prometheus.MustRegister(MessagesDeadLetteredTotal)
	prometheus.MustRegister(MessagesExpiredTotal)
	prometheus.MustRegister(DeadLettersReplayedTotal)
	prometheus.MustRegister(BrokerEventsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(StoreOperationDuration)
}

func RegisterClusterMetrics() {
	prometheus.MustRegister(NodeHealthy)
	prometheus.MustRegister(NodeLatency)
	prometheus.MustRegister(NodeUtilization)
	prometheus.MustRegister(ClusterNodes)
	prometheus.MustRegister(NodeSelectionsTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(ScalingActionsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func ObserveHandlerDuration(queue, status string, duration time.Duration) {
	HandlerDuration.WithLabelValues(queue, status).Observe(float64(duration.Milliseconds()))
}

func ObserveStoreOperation(operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	StoreOperationDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

func SetQueueDepth(queue string, depth int64) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetNodeHealthy(nodeID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	NodeHealthy.WithLabelValues(nodeID).Set(v)
}

func SetNodeLatency(nodeID string, latency time.Duration) {
	NodeLatency.WithLabelValues(nodeID).Set(float64(latency.Milliseconds()))
}

func SetNodeUtilization(nodeID string, utilization float64) {
	NodeUtilization.WithLabelValues(nodeID).Set(utilization)
}

func RemoveNodeMetrics(nodeID string) {
	NodeHealthy.DeleteLabelValues(nodeID)
	NodeLatency.DeleteLabelValues(nodeID)
	NodeUtilization.DeleteLabelValues(nodeID)
}
