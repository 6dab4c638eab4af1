package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"crowdvault/pkg/circuitbreaker"
	"crowdvault/pkg/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[int64]*Event
	order  []int64
}

func newFakeStore(events ...*Event) *fakeStore {
	s := &fakeStore{events: make(map[int64]*Event)}
	for _, e := range events {
		s.events[e.ID] = e
		s.order = append(s.order, e.ID)
	}
	return s
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	return s.byStatus(StatusPending, limit), nil
}

func (s *fakeStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	return s.byStatus(StatusFailed, limit), nil
}

func (s *fakeStore) byStatus(status string, limit int) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, id := range s.order {
		if e := s.events[id]; e.Status == status && len(out) < limit {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out
}

func (s *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].Status = StatusSent
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, maxRetries int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[id]
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	return e.Status, nil
}

func (s *fakeStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].Status
}

type published struct {
	RoutingKey string
	MessageID  string
	TraceID    string
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
	dlq  []string
}

func (p *fakePublisher) PublishRaw(ctx context.Context, routingKey string, _ []byte, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{RoutingKey: routingKey, MessageID: messageID, TraceID: trace.FromContext(ctx)})
	return nil
}

func (p *fakePublisher) PublishToDLQ(_ context.Context, routingKey string, _ []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlq = append(p.dlq, routingKey)
	return nil
}

func pendingEvent(t *testing.T, id int64, payload map[string]any) *Event {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &Event{
		ID:          id,
		EventID:     "evt-" + string(rune('a'+id)),
		AggregateID: "proj",
		RoutingKey:  "project.donation",
		Payload:     body,
		Status:      StatusPending,
	}
}

func TestDispatcher_PublishesPendingEvents(t *testing.T) {
	store := newFakeStore(
		pendingEvent(t, 1, map[string]any{"amount": 10, "trace_id": "trace-1"}),
		pendingEvent(t, 2, map[string]any{"amount": 20}),
	)
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, zaptest.NewLogger(t))

	sent := d.processPendingEvents(context.Background())

	assert.Equal(t, 2, sent)
	assert.Equal(t, StatusSent, store.status(1))
	assert.Equal(t, StatusSent, store.status(2))
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "evt-b", pub.sent[0].MessageID)
	assert.Equal(t, "trace-1", pub.sent[0].TraceID)
	assert.Empty(t, pub.sent[1].TraceID)
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	store := newFakeStore(pendingEvent(t, 1, map[string]any{"amount": 10}))
	pub := &fakePublisher{err: errors.New("connection reset")}
	d := NewDispatcher(store, pub, zaptest.NewLogger(t)).
		WithMaxRetries(2).
		WithCircuitBreaker(circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}))

	d.processPendingEvents(context.Background())
	assert.Equal(t, StatusPending, store.status(1))
	assert.Empty(t, pub.dlq)

	d.processPendingEvents(context.Background())
	assert.Equal(t, StatusFailed, store.status(1))
	assert.Equal(t, []string{"project.donation"}, pub.dlq)
}

func TestDispatcher_OpenBreakerLeavesEventsPending(t *testing.T) {
	store := newFakeStore(
		pendingEvent(t, 1, map[string]any{}),
		pendingEvent(t, 2, map[string]any{}),
	)
	pub := &fakePublisher{err: errors.New("broker down")}
	d := NewDispatcher(store, pub, zaptest.NewLogger(t)).
		WithMaxRetries(10).
		WithCircuitBreaker(circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		}))

	sent := d.processPendingEvents(context.Background())

	assert.Zero(t, sent)
	// 第一个事件失败并打开熔断器，第二个事件未尝试
	assert.Equal(t, 1, store.events[1].RetryCount)
	assert.Equal(t, 0, store.events[2].RetryCount)
	assert.Equal(t, StatusPending, store.status(2))
}

func TestDispatcher_StartStopsOnCancel(t *testing.T) {
	store := newFakeStore(pendingEvent(t, 1, map[string]any{}))
	pub := &fakePublisher{}
	d := NewDispatcher(store, pub, zaptest.NewLogger(t)).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return store.status(1) == StatusSent }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestReplayService_ReplayFailedEvents(t *testing.T) {
	failed := pendingEvent(t, 1, map[string]any{"trace_id": "trace-9"})
	failed.Status = StatusFailed
	store := newFakeStore(failed, pendingEvent(t, 2, map[string]any{}))
	pub := &fakePublisher{}
	svc := NewReplayService(store, pub, zaptest.NewLogger(t))

	n, err := svc.ReplayFailedEvents(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.status(1))
	assert.Equal(t, StatusPending, store.status(2))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, failed.EventID, pub.sent[0].MessageID)
	assert.Equal(t, "trace-9", pub.sent[0].TraceID)
}

func TestReplayService_UnknownEvent(t *testing.T) {
	svc := NewReplayService(newFakeStore(), &fakePublisher{}, zaptest.NewLogger(t))

	err := svc.ReplayEvent(context.Background(), 42)

	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent("project", "abc", "project.paused", map[string]string{"project": "abc"})

	require.NoError(t, err)
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, StatusPending, e.Status)
	assert.JSONEq(t, `{"project":"abc"}`, string(e.Payload))

	other, err := NewEvent("project", "abc", "project.paused", nil)
	require.NoError(t, err)
	assert.NotEqual(t, e.EventID, other.EventID)
}
