package custody

import (
	"context"

	"crowdvault/internal/ledger"
	"crowdvault/internal/model"
)

// Event is an audit record emitted inside an operation's transaction. It is
// delivered only if the transaction commits.
type Event struct {
	RoutingKey string
	Project    model.Address
	Payload    any
}

// Tx is the unit of work for one custody operation. Everything done through a
// Tx, including ledger movements and emitted events, commits or rolls back as
// one.
type Tx interface {
	// InsertProject stores a new record. Fails with ErrProjectAlreadyExists if
	// the address is taken.
	InsertProject(ctx context.Context, p model.Project) error
	// LockProject loads a record and holds it exclusively until the Tx ends.
	// Fails with ErrProjectNotFound.
	LockProject(ctx context.Context, addr model.Address) (model.Project, error)
	SaveProject(ctx context.Context, p model.Project) error
	Ledger() ledger.Ledger
	Emit(ctx context.Context, e Event) error
}

// Store is the durable project storage.
type Store interface {
	// InTx runs fn in a transaction. It commits if fn returns nil and rolls
	// back otherwise, returning fn's error unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetProject(ctx context.Context, addr model.Address) (model.Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]model.Project, error)
	Balance(ctx context.Context, account string) (uint64, error)
}
