package repository

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"crowdvault/internal/custody"
	"crowdvault/internal/ledger"
	"crowdvault/internal/model"
	"crowdvault/pkg/db"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/outbox"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestStore connects to TEST_POSTGRES_DSN, migrates and empties the schema.
func newTestStore(t *testing.T) (*ProjectStore, *outbox.Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(pool, zaptest.NewLogger(t)))
	_, err = pool.Exec(ctx, `TRUNCATE milestones, projects, ledger_accounts, outbox_events RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	outboxRepo := outbox.NewRepository(pool)
	return NewProjectStore(pool, outboxRepo), outboxRepo, pool
}

func newTestService(t *testing.T, store custody.Store) *custody.Service {
	return custody.NewService(store, zaptest.NewLogger(t),
		custody.WithClock(func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }),
		custody.WithTracer(otel.NoopTracer()),
	)
}

func TestProjectStore_Lifecycle(t *testing.T) {
	store, outboxRepo, _ := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	deadline := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p, err := svc.InitializeProject(ctx, custody.InitializeProjectInput{
		Owner:           "owner",
		Name:            "Test Project",
		Description:     "A test project",
		FundingGoal:     1000,
		MinimumDonation: 10,
		Milestones: []model.Milestone{
			{Title: "design", Amount: 100, Deadline: deadline},
			{Title: "build", Amount: 200},
		},
	})
	require.NoError(t, err)

	_, err = svc.Fund(ctx, "donor", 1000)
	require.NoError(t, err)
	_, err = svc.Donate(ctx, p.Address, "donor", 150)
	require.NoError(t, err)

	_, err = svc.CompleteMilestone(ctx, p.Address, "owner", 1)
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	loaded, err := store.GetProject(ctx, p.Address)
	require.NoError(t, err)
	m, _ := loaded.Milestones.At(1)
	assert.False(t, m.Completed, "failed release must roll back the latch")

	got, err := svc.CompleteMilestone(ctx, p.Address, "owner", 0)
	require.NoError(t, err)
	m, _ = got.Milestones.At(0)
	assert.True(t, m.Completed)

	loaded, err = store.GetProject(ctx, p.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), loaded.TotalRaised)
	assert.Equal(t, 2, loaded.Milestones.Len())
	m, _ = loaded.Milestones.At(0)
	assert.True(t, m.Completed)
	assert.True(t, deadline.Equal(m.Deadline))
	assert.True(t, p.CreatedAt.Equal(loaded.CreatedAt))

	custodyBalance, err := store.Balance(ctx, custody.CustodyAccount(p.Address))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), custodyBalance)
	ownerBalance, err := store.Balance(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), ownerBalance)

	events, err := outboxRepo.GetPendingEvents(ctx, 100)
	require.NoError(t, err)
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = e.RoutingKey
		assert.Equal(t, AggregateProject, e.AggregateType)
		assert.Equal(t, p.Address.String(), e.AggregateID)
	}
	assert.Equal(t, []string{"project.initialized", "project.donation", "project.milestone_completed"}, keys)
}

func TestProjectStore_AlreadyExistsAndNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	in := custody.InitializeProjectInput{Owner: "owner", Name: "n", FundingGoal: 1}
	_, err := svc.InitializeProject(ctx, in)
	require.NoError(t, err)
	_, err = svc.InitializeProject(ctx, in)
	assert.ErrorIs(t, err, custody.ErrProjectAlreadyExists)

	_, err = store.GetProject(ctx, model.DeriveAddress("nobody"))
	assert.ErrorIs(t, err, custody.ErrProjectNotFound)
}

func TestProjectStore_LedgerBounds(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, tx custody.Tx) error {
		return tx.Ledger().Credit(ctx, "a", math.MaxUint64)
	})
	require.NoError(t, err)

	err = store.InTx(ctx, func(ctx context.Context, tx custody.Tx) error {
		return tx.Ledger().Credit(ctx, "a", 1)
	})
	assert.ErrorIs(t, err, ledger.ErrOverflow)

	err = store.InTx(ctx, func(ctx context.Context, tx custody.Tx) error {
		return tx.Ledger().Debit(ctx, "b", 1)
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := store.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), balance)
}

func TestProjectStore_ConcurrentDonationsSerialise(t *testing.T) {
	store, _, _ := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	p, err := svc.InitializeProject(ctx, custody.InitializeProjectInput{Owner: "owner", Name: "n", FundingGoal: 1})
	require.NoError(t, err)
	_, err = svc.Fund(ctx, "donor", 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Donate(ctx, p.Address, "donor", 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := store.GetProject(ctx, p.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), loaded.TotalRaised)
	donor, err := store.Balance(ctx, "donor")
	require.NoError(t, err)
	assert.Zero(t, donor)
}

func TestProjectStore_ListProjects(t *testing.T) {
	store, _, _ := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()

	for _, owner := range []string{"a", "b", "c"} {
		_, err := svc.InitializeProject(ctx, custody.InitializeProjectInput{
			Owner:       owner,
			Name:        owner,
			FundingGoal: 1,
			Milestones:  []model.Milestone{{Title: owner, Amount: 1}},
		})
		require.NoError(t, err)
	}

	page, err := store.ListProjects(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, p := range page {
		assert.Equal(t, 1, p.Milestones.Len())
	}
}
