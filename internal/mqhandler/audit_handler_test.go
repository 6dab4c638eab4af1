package mqhandler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqcontracts "crowdvault/contracts/mq"
	"crowdvault/pkg/mq"
	"crowdvault/pkg/trace"
	"crowdvault/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memDeduper struct {
	seen     map[string]bool
	released []string
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: map[string]bool{}}
}

func (d *memDeduper) AcquireOnce(_ context.Context, scope, id string) bool {
	key := scope + ":" + id
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, scope, id string) error {
	key := scope + ":" + id
	delete(d.seen, key)
	d.released = append(d.released, key)
	return nil
}

func newTestHandler() (*AuditHandler, *memDeduper, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := newMemDeduper()
	return NewAuditHandler(d, zap.New(core)), d, logs
}

func donationMessage(t *testing.T, id string) mq.Message {
	t.Helper()
	body, err := json.Marshal(mqcontracts.DonationPayload{
		Project:   "abc",
		Donor:     "donor",
		Amount:    50,
		Timestamp: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return mq.Message{ID: id, RoutingKey: mqcontracts.RoutingKeyDonation, Body: body}
}

func TestAuditHandler_RecordsEvent(t *testing.T) {
	h, _, logs := newTestHandler()
	ctx := trace.WithContext(context.Background(), "trace-1")

	require.NoError(t, h.Handle(ctx, donationMessage(t, "evt-1")))

	entries := logs.FilterMessage("Project event audited").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "abc", fields["project"])
	assert.Equal(t, "donor", fields["donor"])
	assert.Equal(t, uint64(50), fields["amount"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "evt-1", fields["message_id"])
}

func TestAuditHandler_SkipsDuplicates(t *testing.T) {
	h, _, logs := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, donationMessage(t, "evt-1")))
	require.NoError(t, h.Handle(ctx, donationMessage(t, "evt-1")))

	assert.Equal(t, 1, logs.FilterMessage("Project event audited").Len())
}

func TestAuditHandler_NoIDIsNotDeduplicated(t *testing.T) {
	h, _, logs := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, donationMessage(t, "")))
	require.NoError(t, h.Handle(ctx, donationMessage(t, "")))

	assert.Equal(t, 2, logs.FilterMessage("Project event audited").Len())
}

func TestAuditHandler_AllRoutingKeys(t *testing.T) {
	payloads := map[string]any{
		mqcontracts.RoutingKeyProjectInitialized: mqcontracts.ProjectInitializedPayload{Project: "p", Owner: "o", FundingGoal: 1},
		mqcontracts.RoutingKeyDonation:           mqcontracts.DonationPayload{Project: "p", Donor: "d", Amount: 1},
		mqcontracts.RoutingKeyMilestoneCompleted: mqcontracts.MilestoneCompletedPayload{Project: "p", MilestoneIndex: 2, Amount: 1},
		mqcontracts.RoutingKeyProjectPaused:      mqcontracts.ProjectPausedPayload{Project: "p", Owner: "o"},
	}

	for key, payload := range payloads {
		t.Run(key, func(t *testing.T) {
			h, _, logs := newTestHandler()
			body, err := json.Marshal(payload)
			require.NoError(t, err)

			require.NoError(t, h.Handle(context.Background(), mq.Message{ID: "1", RoutingKey: key, Body: body}))
			assert.Equal(t, 1, logs.FilterMessage("Project event audited").Len())
		})
	}
}

func TestAuditHandler_InvalidMessagesArePermanent(t *testing.T) {
	tests := []struct {
		name string
		msg  mq.Message
	}{
		{"bad json", mq.Message{ID: "1", RoutingKey: mqcontracts.RoutingKeyDonation, Body: []byte("{")}},
		{"missing project", mq.Message{ID: "2", RoutingKey: mqcontracts.RoutingKeyDonation, Body: []byte(`{"amount":1}`)}},
		{"unknown key", mq.Message{ID: "3", RoutingKey: "project.renamed", Body: []byte(`{"project":"p"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, d, _ := newTestHandler()

			err := h.Handle(context.Background(), tt.msg)

			assert.ErrorIs(t, err, util.ErrPermanent)
			retryable, _ := util.IsRetryableError(err)
			assert.False(t, retryable)
			assert.Equal(t, []string{"audit:" + tt.msg.ID}, d.released)
		})
	}
}
