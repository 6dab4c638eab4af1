package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// custody 操作延迟（秒），按操作和结果码
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_operation_duration_seconds",
			Help:    "Custody operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "code"},
	)

	// 累计捐款金额
	DonatedValue = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_donated_value_total",
			Help: "Total value accepted by successful donations",
		},
	)

	// 累计释放给 owner 的金额
	ReleasedValue = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_released_value_total",
			Help: "Total value released to owners by completed milestones",
		},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// outbox 发布结果计数
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_count",
			Help: "Outbox publish attempts by outcome",
		},
		[]string{"routing_key", "status"}, // status: sent, retry, failed, breaker_open
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 审计事件计数
	AuditedEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_event_count",
			Help: "Total number of project events audited",
		},
		[]string{"routing_key", "status"}, // status: recorded, duplicate, invalid
	)
)

// RecordOperation 记录 custody 操作延迟
func RecordOperation(operation, code string, duration time.Duration) {
	OperationDuration.WithLabelValues(operation, code).Observe(duration.Seconds())
}

// AddDonated 累加捐款金额
func AddDonated(amount uint64) {
	DonatedValue.Add(float64(amount))
}

// AddReleased 累加释放金额
func AddReleased(amount uint64) {
	ReleasedValue.Add(float64(amount))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementOutboxPublish 增加 outbox 发布计数
func IncrementOutboxPublish(routingKey, status string) {
	OutboxPublishCount.WithLabelValues(routingKey, status).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementAudited 增加审计事件计数
func IncrementAudited(routingKey, status string) {
	AuditedEventCount.WithLabelValues(routingKey, status).Inc()
}
