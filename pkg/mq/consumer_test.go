package mq

import (
	"context"
	"errors"
	"testing"

	"crowdvault/pkg/util"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRetries struct {
	counts map[string]int64
	err    error
}

func (f *fakeRetries) IncrementAndGet(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRetries) Reset(_ context.Context, key string) error {
	delete(f.counts, key)
	return nil
}

type fakeDLQ struct {
	keys []string
	err  error
}

func (f *fakeDLQ) PublishToDLQ(_ context.Context, routingKey string, _ []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, routingKey)
	return nil
}

func newTestConsumer(t *testing.T, handler MessageHandler) (*Consumer, *fakeRetries, *fakeDLQ) {
	t.Helper()
	retries := &fakeRetries{counts: map[string]int64{}}
	dlq := &fakeDLQ{}
	c := &Consumer{
		queue:   amqp091.Queue{Name: "crowdvault.audit"},
		handler: handler,
		logger:  zaptest.NewLogger(t),
	}
	return c.WithDeadLetter(dlq, retries, 2), retries, dlq
}

var testMsg = Message{ID: "evt-1", RoutingKey: "project.donation", Body: []byte(`{}`)}

func TestConsumer_SuccessAcksAndResetsRetries(t *testing.T) {
	c, retries, _ := newTestConsumer(t, func(context.Context, Message) error { return nil })
	retries.counts[util.FormatRetryKey("crowdvault.audit", "evt-1")] = 2

	result, err := c.process(context.Background(), testMsg)

	require.NoError(t, err)
	assert.Equal(t, outcomeAck, result)
	assert.Empty(t, retries.counts)
}

func TestConsumer_RetryableErrorRequeuesUntilLimit(t *testing.T) {
	c, _, dlq := newTestConsumer(t, func(context.Context, Message) error {
		return errors.New("redis: connection pool timeout")
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := c.process(ctx, testMsg)
		assert.Error(t, err)
		assert.Equal(t, outcomeRequeue, result)
	}

	result, _ := c.process(ctx, testMsg)
	assert.Equal(t, outcomeDeadLettered, result)
	assert.Equal(t, []string{"project.donation"}, dlq.keys)
}

func TestConsumer_PermanentErrorGoesStraightToDLQ(t *testing.T) {
	c, _, dlq := newTestConsumer(t, func(context.Context, Message) error {
		return util.Permanent(errors.New("unknown routing key"))
	})

	result, err := c.process(context.Background(), testMsg)

	assert.Error(t, err)
	assert.Equal(t, outcomeDeadLettered, result)
	assert.Len(t, dlq.keys, 1)
}

func TestConsumer_PanicIsRetried(t *testing.T) {
	c, _, dlq := newTestConsumer(t, func(context.Context, Message) error {
		panic("nil map")
	})

	result, err := c.process(context.Background(), testMsg)

	var pe *panicError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, outcomeRequeue, result)
	assert.Empty(t, dlq.keys)
}

func TestConsumer_DLQFailureRequeues(t *testing.T) {
	c, _, dlq := newTestConsumer(t, func(context.Context, Message) error {
		return util.Permanent(errors.New("bad"))
	})
	dlq.err = errors.New("channel closed")

	result, _ := c.process(context.Background(), testMsg)

	assert.Equal(t, outcomeRequeue, result)
}

func TestConsumer_WithoutDeadLetterRequeues(t *testing.T) {
	c := &Consumer{
		queue:   amqp091.Queue{Name: "crowdvault.audit"},
		handler: func(context.Context, Message) error { return util.Permanent(errors.New("bad")) },
		logger:  zaptest.NewLogger(t),
	}

	result, err := c.process(context.Background(), testMsg)

	assert.Error(t, err)
	assert.Equal(t, outcomeRequeue, result)
}
