package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crowdvault/pkg/metrics"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/trace"
	"crowdvault/pkg/util"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Message is a delivery as seen by a handler.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
	Headers    map[string]interface{}
	Timestamp  time.Time
}

type MessageHandler func(ctx context.Context, msg Message) error

// RetryTracker counts failed attempts per message across redeliveries.
type RetryTracker interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetterPublisher receives messages that will not be retried.
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

type deadLetterPolicy struct {
	publisher  DeadLetterPublisher
	retries    RetryTracker
	maxRetries int64
}

// outcome is what happens to a delivery after the handler ran.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDeadLettered
)

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	bindingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	deadLetter *deadLetterPolicy
	logger     *zap.Logger
}

// NewConsumer creates a durable queue bound to the events exchange with bindingKey.
func NewConsumer(url, queueName, bindingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := DeclareExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	err = ch.QueueBind(
		q.Name,
		bindingKey,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}

	// 一次只取一条，避免 requeue 风暴
	if err := ch.Qos(1, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("binding_key", bindingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		bindingKey: bindingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithDeadLetter bounds redeliveries. A failing message is requeued while its
// error is retryable and it has failed at most maxRetries times, and is moved
// to the DLQ after that.
func (c *Consumer) WithDeadLetter(pub DeadLetterPublisher, retries RetryTracker, maxRetries int64) *Consumer {
	c.deadLetter = &deadLetterPolicy{
		publisher:  pub,
		retries:    retries,
		maxRetries: maxRetries,
	}
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming consumes until ctx is cancelled or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.queue.Name,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("binding_key", c.bindingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			_ = c.channel.Cancel(c.queue.Name, false)
			c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

// deliver 保证每条消息都会被 ack 或 nack
func (c *Consumer) deliver(ctx context.Context, d amqp091.Delivery) {
	msg := Message{
		ID:         d.MessageId,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    d.Headers,
		Timestamp:  d.Timestamp,
	}

	ctx, span := otel.MQConsumeSpan(ctx, msg.Headers, msg.RoutingKey, c.queue.Name)
	defer span.End()
	if traceID, ok := msg.Headers[TraceIDHeader].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}

	start := time.Now()
	result, err := c.process(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch result {
	case outcomeRequeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message",
				zap.String("routing_key", msg.RoutingKey),
				zap.Error(err),
			)
		}
	default:
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack message",
				zap.String("routing_key", msg.RoutingKey),
				zap.Error(err),
			)
		}
	}

	if !msg.Timestamp.IsZero() {
		metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(msg.Timestamp))
	} else {
		metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(start))
	}
}

// process runs the handler and decides what happens to the delivery.
func (c *Consumer) process(ctx context.Context, msg Message) (outcome, error) {
	c.logger.Debug("Received message",
		zap.String("message_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.Int("message_size", len(msg.Body)),
	)

	err := c.invoke(ctx, msg)
	retryKey := util.FormatRetryKey(c.queue.Name, msg.ID)

	if err == nil {
		if c.deadLetter != nil && msg.ID != "" {
			if resetErr := c.deadLetter.retries.Reset(ctx, retryKey); resetErr != nil {
				c.logger.Warn("Failed to reset retry counter", zap.String("key", retryKey), zap.Error(resetErr))
			}
		}
		c.logger.Debug("Message processed successfully",
			zap.String("message_id", msg.ID),
			zap.String("routing_key", msg.RoutingKey),
		)
		return outcomeAck, nil
	}

	c.logger.Error("Handler error",
		zap.String("message_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.Error(err),
	)

	// 未配置 DLQ 时沿用 MQ 重投
	if c.deadLetter == nil {
		return outcomeRequeue, err
	}

	retryable, errorType := util.IsRetryableError(err)
	var pe *panicError
	if errors.As(err, &pe) {
		retryable, errorType = true, "handler_panic"
	}

	count, countErr := c.deadLetter.retries.IncrementAndGet(ctx, retryKey)
	if countErr != nil {
		// Redis 不可用时按首次失败处理
		c.logger.Warn("Retry counter unavailable", zap.String("key", retryKey), zap.Error(countErr))
		count = 1
	}

	if util.ShouldRetry(count, c.deadLetter.maxRetries, retryable) {
		c.logger.Info("Requeueing message",
			zap.String("message_id", msg.ID),
			zap.String("error_type", errorType),
			zap.Int64("retry_count", count),
		)
		return outcomeRequeue, err
	}

	if dlqErr := c.deadLetter.publisher.PublishToDLQ(ctx, msg.RoutingKey, msg.Body, err.Error()); dlqErr != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing",
			zap.String("message_id", msg.ID),
			zap.Error(dlqErr),
		)
		return outcomeRequeue, err
	}

	c.logger.Warn("Message moved to DLQ",
		zap.String("message_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("error_type", errorType),
		zap.Int64("retry_count", count),
	)
	if resetErr := c.deadLetter.retries.Reset(ctx, retryKey); resetErr != nil {
		c.logger.Warn("Failed to reset retry counter", zap.String("key", retryKey), zap.Error(resetErr))
	}
	return outcomeDeadLettered, err
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// invoke calls the handler, turning a panic into a *panicError.
func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			err = &panicError{value: r}
		}
	}()
	return c.handler(ctx, msg)
}
