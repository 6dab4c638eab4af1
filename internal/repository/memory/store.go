// Package memory is an in-process custody.Store. Transactions are serialised
// by a single mutex and staged writes are applied only on commit.
package memory

import (
	"context"
	"sync"

	"crowdvault/internal/custody"
	"crowdvault/internal/ledger"
	"crowdvault/internal/model"
)

// FaultFunc is consulted before every transactional write. A non-nil error
// fails that write. op is one of "insert_project", "save_project", "debit",
// "credit" or "emit".
type FaultFunc func(op string) error

type Store struct {
	mu       sync.Mutex
	projects map[model.Address]model.Project
	order    []model.Address
	balances map[string]uint64
	events   []custody.Event
	fault    FaultFunc
}

type Option func(*Store)

func WithFault(fn FaultFunc) Option {
	return func(s *Store) { s.fault = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		projects: make(map[model.Address]model.Project),
		balances: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx custody.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:        s,
		projects: make(map[model.Address]model.Project),
		balances: make(map[string]uint64),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}

	for addr, p := range t.projects {
		s.projects[addr] = p
	}
	s.order = append(s.order, t.inserted...)
	for account, balance := range t.balances {
		s.balances[account] = balance
	}
	s.events = append(s.events, t.events...)
	return nil
}

func (s *Store) GetProject(_ context.Context, addr model.Address) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[addr]
	if !ok {
		return model.Project{}, custody.ErrProjectNotFound
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context, limit, offset int) ([]model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Project{}
	for i := offset; i < len(s.order) && len(out) < limit; i++ {
		out = append(out, s.projects[s.order[i]])
	}
	return out, nil
}

func (s *Store) Balance(_ context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// Events returns the committed events in emission order.
func (s *Store) Events() []custody.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]custody.Event, len(s.events))
	copy(out, s.events)
	return out
}

type tx struct {
	s        *Store
	projects map[model.Address]model.Project
	inserted []model.Address
	balances map[string]uint64
	events   []custody.Event
}

func (t *tx) check(op string) error {
	if t.s.fault == nil {
		return nil
	}
	return t.s.fault(op)
}

func (t *tx) lookup(addr model.Address) (model.Project, bool) {
	if p, ok := t.projects[addr]; ok {
		return p, true
	}
	p, ok := t.s.projects[addr]
	return p, ok
}

func (t *tx) InsertProject(_ context.Context, p model.Project) error {
	if err := t.check("insert_project"); err != nil {
		return err
	}
	if _, ok := t.lookup(p.Address); ok {
		return custody.ErrProjectAlreadyExists
	}
	t.projects[p.Address] = p
	t.inserted = append(t.inserted, p.Address)
	return nil
}

func (t *tx) LockProject(_ context.Context, addr model.Address) (model.Project, error) {
	p, ok := t.lookup(addr)
	if !ok {
		return model.Project{}, custody.ErrProjectNotFound
	}
	return p, nil
}

func (t *tx) SaveProject(_ context.Context, p model.Project) error {
	if err := t.check("save_project"); err != nil {
		return err
	}
	if _, ok := t.lookup(p.Address); !ok {
		return custody.ErrProjectNotFound
	}
	t.projects[p.Address] = p
	return nil
}

func (t *tx) Ledger() ledger.Ledger {
	return (*txLedger)(t)
}

func (t *tx) Emit(_ context.Context, e custody.Event) error {
	if err := t.check("emit"); err != nil {
		return err
	}
	t.events = append(t.events, e)
	return nil
}

// txLedger stages balance changes in the enclosing transaction.
type txLedger tx

func (l *txLedger) balance(account string) uint64 {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return l.s.balances[account]
}

func (l *txLedger) Balance(_ context.Context, account string) (uint64, error) {
	return l.balance(account), nil
}

func (l *txLedger) Credit(_ context.Context, account string, amount uint64) error {
	if err := (*tx)(l).check("credit"); err != nil {
		return err
	}
	sum, ok := ledger.AddChecked(l.balance(account), amount)
	if !ok {
		return ledger.ErrOverflow
	}
	l.balances[account] = sum
	return nil
}

func (l *txLedger) Debit(_ context.Context, account string, amount uint64) error {
	if err := (*tx)(l).check("debit"); err != nil {
		return err
	}
	diff, ok := ledger.SubChecked(l.balance(account), amount)
	if !ok {
		return ledger.ErrInsufficientBalance
	}
	l.balances[account] = diff
	return nil
}

func (l *txLedger) Transfer(ctx context.Context, source, destination string, amount uint64) error {
	return ledger.Transfer(ctx, l, source, destination, amount)
}
