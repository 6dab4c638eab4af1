// Package custody implements the crowdfunding custody state machine: project
// lifecycle, donation accounting and milestone-gated release of funds to the
// project owner.
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqcontracts "crowdvault/contracts/mq"
	"crowdvault/internal/ledger"
	"crowdvault/internal/model"
	"crowdvault/pkg/logger"
	"crowdvault/pkg/metrics"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/rbac"
	"crowdvault/pkg/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type Service struct {
	store         Store
	logger        *zap.Logger
	tracer        oteltrace.Tracer
	now           func() time.Time
	maxRecordSize int
}

type Option func(*Service)

// WithClock overrides the time source used for CreatedAt and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxRecordSize sets the largest project record the store accepts.
func WithMaxRecordSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRecordSize = n
		}
	}
}

func WithTracer(t oteltrace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		logger:        logger,
		tracer:        otel.Tracer(),
		now:           time.Now,
		maxRecordSize: model.DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type InitializeProjectInput struct {
	Owner           string
	Name            string
	Description     string
	FundingGoal     uint64
	MinimumDonation uint64
	Milestones      []model.Milestone
}

// InitializeProject creates the project record for in.Owner.
func (s *Service) InitializeProject(ctx context.Context, in InitializeProjectInput) (project model.Project, err error) {
	addr := model.DeriveAddress(in.Owner)
	ctx, done := s.begin(ctx, "initialize_project",
		zap.String("project", addr.String()),
		zap.String("owner", in.Owner),
	)
	defer func() { done(err) }()

	if len(in.Milestones) > model.MaxMilestones {
		return model.Project{}, ErrTooManyMilestones
	}
	if in.FundingGoal == 0 {
		return model.Project{}, ErrInvalidFundingGoal
	}
	if in.Owner == "" || IsCustodyAccount(in.Owner) {
		return model.Project{}, ErrUnauthorizedAccess
	}
	space := model.RecordSpace(in.Name, in.Description)
	if space > s.maxRecordSize {
		return model.Project{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrRecordTooLarge, space, s.maxRecordSize)
	}

	declared := make([]model.Milestone, len(in.Milestones))
	for i, m := range in.Milestones {
		if !m.FitsSlot() {
			return model.Project{}, fmt.Errorf("%w: milestone %d text exceeds its slot", ErrRecordTooLarge, i)
		}
		m.Completed = false
		m.Deadline = normalizeTime(m.Deadline)
		declared[i] = m
	}
	milestones, err := model.NewMilestones(declared)
	if err != nil {
		return model.Project{}, ErrTooManyMilestones
	}

	now := normalizeTime(s.now())
	project = model.Project{
		Address:         addr,
		Owner:           in.Owner,
		Name:            in.Name,
		Description:     in.Description,
		FundingGoal:     in.FundingGoal,
		MinimumDonation: in.MinimumDonation,
		Milestones:      milestones,
		IsActive:        true,
		Space:           space,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertProject(ctx, project); err != nil {
			return err
		}
		return tx.Emit(ctx, Event{
			RoutingKey: mqcontracts.RoutingKeyProjectInitialized,
			Project:    addr,
			Payload: mqcontracts.ProjectInitializedPayload{
				Project:         addr.String(),
				Owner:           in.Owner,
				FundingGoal:     in.FundingGoal,
				MinimumDonation: in.MinimumDonation,
				Milestones:      milestones.Len(),
				Timestamp:       now,
				TraceID:         traceIDOf(ctx),
			},
		})
	})
	if err != nil {
		return model.Project{}, err
	}
	return project, nil
}

// Donate moves amount from donor into the project's custody balance and adds
// it to TotalRaised.
func (s *Service) Donate(ctx context.Context, addr model.Address, donor string, amount uint64) (project model.Project, err error) {
	ctx, done := s.begin(ctx, "donate",
		zap.String("project", addr.String()),
		zap.String("donor", donor),
		zap.Uint64("amount", amount),
	)
	defer func() {
		if err == nil {
			metrics.AddDonated(amount)
		}
		done(err)
	}()

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockProject(ctx, addr)
		if err != nil {
			return err
		}
		if err := authorize(donor, p.Owner, rbac.PermissionDonate); err != nil {
			return err
		}
		if !p.IsActive {
			return ErrProjectInactive
		}
		if amount < p.MinimumDonation {
			return ErrDonationTooSmall
		}

		if err := tx.Ledger().Transfer(ctx, donor, CustodyAccount(addr), amount); err != nil {
			if errors.Is(err, ledger.ErrOverflow) {
				return ErrOverflow
			}
			return fmt.Errorf("donation transfer: %w", err)
		}

		total, ok := ledger.AddChecked(p.TotalRaised, amount)
		if !ok {
			return ErrOverflow
		}
		p.TotalRaised = total

		now := normalizeTime(s.now())
		p.UpdatedAt = now
		if err := tx.SaveProject(ctx, p); err != nil {
			return err
		}
		if err := tx.Emit(ctx, Event{
			RoutingKey: mqcontracts.RoutingKeyDonation,
			Project:    addr,
			Payload: mqcontracts.DonationPayload{
				Project:   addr.String(),
				Donor:     donor,
				Amount:    amount,
				Timestamp: now,
				TraceID:   traceIDOf(ctx),
			},
		}); err != nil {
			return err
		}

		project = p
		return nil
	})
	if err != nil {
		return model.Project{}, err
	}
	return project, nil
}

// CompleteMilestone latches milestone index as completed and moves its amount
// from custody to the owner. The latch and the balance movement commit
// together; if either balance step fails the milestone stays releasable.
func (s *Service) CompleteMilestone(ctx context.Context, addr model.Address, caller string, index int) (project model.Project, err error) {
	var released uint64
	ctx, done := s.begin(ctx, "complete_milestone",
		zap.String("project", addr.String()),
		zap.String("caller", caller),
		zap.Int("milestone_index", index),
	)
	defer func() {
		if err == nil {
			metrics.AddReleased(released)
		}
		done(err)
	}()

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockProject(ctx, addr)
		if err != nil {
			return err
		}
		if err := authorize(caller, p.Owner, rbac.PermissionReleaseMilestone); err != nil {
			return err
		}
		m, ok := p.Milestones.At(index)
		if !ok {
			return ErrInvalidMilestoneIndex
		}
		if m.Completed {
			return ErrMilestoneAlreadyComplete
		}

		// Latch first. A failure below rolls the whole transaction back,
		// latch included.
		m.Completed = true

		book := tx.Ledger()
		if err := book.Debit(ctx, CustodyAccount(addr), m.Amount); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("debit custody: %w", err)
		}
		if err := book.Credit(ctx, p.Owner, m.Amount); err != nil {
			if errors.Is(err, ledger.ErrOverflow) {
				return ErrOverflow
			}
			return fmt.Errorf("credit owner: %w", err)
		}

		now := normalizeTime(s.now())
		p.UpdatedAt = now
		if err := tx.SaveProject(ctx, p); err != nil {
			return err
		}
		if err := tx.Emit(ctx, Event{
			RoutingKey: mqcontracts.RoutingKeyMilestoneCompleted,
			Project:    addr,
			Payload: mqcontracts.MilestoneCompletedPayload{
				Project:        addr.String(),
				MilestoneIndex: index,
				Amount:         m.Amount,
				Timestamp:      now,
				TraceID:        traceIDOf(ctx),
			},
		}); err != nil {
			return err
		}

		released = m.Amount
		project = p
		return nil
	})
	if err != nil {
		return model.Project{}, err
	}
	return project, nil
}

// EmergencyPause deactivates the project. Pausing an already paused project
// succeeds without emitting another event.
func (s *Service) EmergencyPause(ctx context.Context, addr model.Address, caller string) (project model.Project, err error) {
	ctx, done := s.begin(ctx, "emergency_pause",
		zap.String("project", addr.String()),
		zap.String("caller", caller),
	)
	defer func() { done(err) }()

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockProject(ctx, addr)
		if err != nil {
			return err
		}
		if err := authorize(caller, p.Owner, rbac.PermissionPauseProject); err != nil {
			return err
		}
		if !p.IsActive {
			project = p
			return nil
		}

		now := normalizeTime(s.now())
		p.IsActive = false
		p.UpdatedAt = now
		if err := tx.SaveProject(ctx, p); err != nil {
			return err
		}
		if err := tx.Emit(ctx, Event{
			RoutingKey: mqcontracts.RoutingKeyProjectPaused,
			Project:    addr,
			Payload: mqcontracts.ProjectPausedPayload{
				Project:   addr.String(),
				Owner:     p.Owner,
				Timestamp: now,
				TraceID:   traceIDOf(ctx),
			},
		}); err != nil {
			return err
		}

		project = p
		return nil
	})
	if err != nil {
		return model.Project{}, err
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, addr model.Address) (model.Project, error) {
	return s.store.GetProject(ctx, addr)
}

// ListProjects returns projects in creation order. limit is clamped to
// [1, 100]; zero selects the default page size.
func (s *Service) ListProjects(ctx context.Context, limit, offset int) ([]model.Project, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListProjects(ctx, limit, offset)
}

// Balance returns the ledger balance of account. A project's custody balance
// is held under CustodyAccount(address).
func (s *Service) Balance(ctx context.Context, account string) (uint64, error) {
	return s.store.Balance(ctx, account)
}

// Fund credits account out of thin air. Only wired when the faucet is enabled.
func (s *Service) Fund(ctx context.Context, account string, amount uint64) (balance uint64, err error) {
	ctx, done := s.begin(ctx, "fund",
		zap.String("account", account),
		zap.Uint64("amount", amount),
	)
	defer func() { done(err) }()

	if IsCustodyAccount(account) {
		return 0, fmt.Errorf("%w: %q is a custody account", ErrUnauthorizedAccess, account)
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		book := tx.Ledger()
		if err := book.Credit(ctx, account, amount); err != nil {
			if errors.Is(err, ledger.ErrOverflow) {
				return ErrOverflow
			}
			return err
		}
		balance, err = book.Balance(ctx, account)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// custodyPrefix reserves a ledger key space for project custody. No caller
// identity may start with it.
const custodyPrefix = "custody:"

// CustodyAccount is the ledger account holding a project's donated funds.
func CustodyAccount(addr model.Address) string {
	return custodyPrefix + addr.String()
}

// IsCustodyAccount reports whether account is a project custody account.
func IsCustodyAccount(account string) bool {
	return strings.HasPrefix(account, custodyPrefix)
}

func authorize(caller, owner, permission string) error {
	if IsCustodyAccount(caller) {
		return fmt.Errorf("%w: %q is a custody account", ErrUnauthorizedAccess, caller)
	}
	if err := rbac.CheckPermission(caller, owner, permission); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedAccess, err)
	}
	return nil
}

// begin starts a span for op and returns a func that records its outcome.
func (s *Service) begin(ctx context.Context, op string, fields ...zap.Field) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody."+op)
	log := logger.WithTrace(ctx, s.logger).With(fields...)
	log.Debug("custody operation started", zap.String("op", op))

	return ctx, func(err error) {
		defer span.End()

		code := CodeOf(err)
		metrics.RecordOperation(op, code, time.Since(start))
		span.SetAttributes(attribute.String("custody.code", code))

		var domainErr *Error
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			log.Info("custody operation succeeded", zap.String("op", op))
		case errors.As(err, &domainErr), errors.Is(err, ledger.ErrInsufficientBalance):
			span.SetStatus(codes.Error, code)
			log.Warn("custody operation rejected",
				zap.String("op", op),
				zap.String("code", code),
				zap.Error(err),
			)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("custody operation failed",
				zap.String("op", op),
				zap.Error(err),
			)
		}
	}
}

func traceIDOf(ctx context.Context) string {
	if id := trace.FromContext(ctx); id != "" {
		return id
	}
	return otel.TraceIDFromContext(ctx)
}

// normalizeTime drops sub-microsecond precision so values survive a round
// trip through Postgres unchanged.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
