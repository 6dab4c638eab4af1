package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crowdvault/pkg/circuitbreaker"
	"crowdvault/pkg/metrics"
	"crowdvault/pkg/trace"

	"go.uber.org/zap"
)

// EventStore 是 Dispatcher 依赖的 outbox 存储
type EventStore interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64, maxRetries int) (string, error)
}

// Publisher 是 Dispatcher 依赖的消息发布器
type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte, messageID string) error
	PublishToDLQ(ctx context.Context, routingKey string, body []byte, reason string) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	repo       EventStore
	publisher  Publisher
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(
	repo EventStore,
	publisher Publisher,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		batchSize:  100,             // 默认每次处理100个事件
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// WithCircuitBreaker 替换发布熔断器
func (d *Dispatcher) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 结束
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return nil
		case <-ticker.C:
			d.processPendingEvents(ctx)
		}
	}
}

// processPendingEvents 处理一批待发送的事件，返回成功发送的数量
func (d *Dispatcher) processPendingEvents(ctx context.Context) int {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	if len(events) == 0 {
		return 0
	}

	d.logger.Debug("Processing pending events",
		zap.Int("count", len(events)),
	)

	sent := 0
	for i, event := range events {
		err := d.breaker.Execute(func() error {
			return d.publishEvent(ctx, event)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			// MQ 不可用，剩余事件留到下一轮，不计入重试次数
			metrics.IncrementOutboxPublish(event.RoutingKey, "breaker_open")
			d.logger.Warn("Circuit breaker open, postponing outbox batch",
				zap.Int("remaining", len(events)-i),
			)
			return sent
		}
		if err != nil {
			d.handlePublishFailure(ctx, event, err)
			continue
		}

		metrics.IncrementOutboxPublish(event.RoutingKey, StatusSent)
		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("id", event.ID),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}
		sent++
		d.logger.Debug("Event published successfully",
			zap.String("event_id", event.EventID),
			zap.String("routing_key", event.RoutingKey),
		)
	}
	return sent
}

func (d *Dispatcher) handlePublishFailure(ctx context.Context, event *Event, publishErr error) {
	d.logger.Error("Failed to publish event",
		zap.String("event_id", event.EventID),
		zap.String("routing_key", event.RoutingKey),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(publishErr),
	)

	status, err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries)
	if err != nil {
		d.logger.Error("Failed to mark event as failed",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return
	}

	if status != StatusFailed {
		metrics.IncrementOutboxPublish(event.RoutingKey, "retry")
		return
	}

	// 重试耗尽，事件进入 DLQ 供人工排查，outbox 中保留 failed 记录以便 replay
	metrics.IncrementOutboxPublish(event.RoutingKey, StatusFailed)
	if err := d.publisher.PublishToDLQ(ctx, event.RoutingKey, event.Payload, publishErr.Error()); err != nil {
		d.logger.Error("Failed to publish event to DLQ",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}

// publishEvent 发布单个事件到 MQ
func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	ctx = extractTraceIDFromPayload(ctx, event.Payload)

	if err := d.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload, event.EventID); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}

// extractTraceIDFromPayload 从 payload 中提取 trace_id（如果存在）
func extractTraceIDFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}

	if envelope.TraceID != "" {
		ctx = trace.WithContext(ctx, envelope.TraceID)
	}
	return ctx
}
