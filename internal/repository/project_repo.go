package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"crowdvault/internal/custody"
	"crowdvault/internal/ledger"
	"crowdvault/internal/model"
	"crowdvault/pkg/otel"
	"crowdvault/pkg/outbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AggregateProject is the outbox aggregate type of project events.
const AggregateProject = "project"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProjectStore is the PostgreSQL custody.Store. Events are written to the
// outbox table in the same transaction as the state they describe.
type ProjectStore struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewProjectStore(db *pgxpool.Pool, outboxRepo *outbox.Repository) *ProjectStore {
	return &ProjectStore{db: db, outbox: outboxRepo}
}

// InTx runs fn in a transaction, committing only when fn returns nil.
func (s *ProjectStore) InTx(ctx context.Context, fn func(ctx context.Context, tx custody.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &projectTx{tx: tx, outbox: s.outbox}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetProject returns a project by address.
func (s *ProjectStore) GetProject(ctx context.Context, addr model.Address) (model.Project, error) {
	var p model.Project
	err := otel.WithDBSpan(ctx, "get_project", func(ctx context.Context) error {
		var err error
		p, err = findProject(ctx, s.db, addr, false)
		return err
	})
	return p, err
}

// ListProjects returns projects in creation order.
func (s *ProjectStore) ListProjects(ctx context.Context, limit, offset int) ([]model.Project, error) {
	query := `
        SELECT ` + projectColumns + `
        FROM projects
        ORDER BY created_at, address
        LIMIT $1 OFFSET $2
    `

	projects := []model.Project{}
	err := otel.WithDBSpan(ctx, "list_projects", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			projects = append(projects, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		addrs := make([]string, len(projects))
		for i, p := range projects {
			addrs[i] = p.Address.String()
		}
		milestones, err := loadMilestones(ctx, s.db, addrs)
		if err != nil {
			return err
		}
		for i := range projects {
			if projects[i].Milestones, err = model.NewMilestones(milestones[projects[i].Address]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// Balance returns the ledger balance of account; unknown accounts hold zero.
func (s *ProjectStore) Balance(ctx context.Context, account string) (uint64, error) {
	return (&pgLedger{q: s.db}).Balance(ctx, account)
}

type projectTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

// InsertProject inserts the project and its milestones. A taken address or
// owner yields custody.ErrProjectAlreadyExists.
func (t *projectTx) InsertProject(ctx context.Context, p model.Project) error {
	query := `
        INSERT INTO projects (address, owner, name, description, funding_goal, minimum_donation,
                              total_raised, is_active, space, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9, $10, $11)
        ON CONFLICT DO NOTHING
    `

	return otel.WithDBSpan(ctx, "insert_project", func(ctx context.Context) error {
		tag, err := t.tx.Exec(ctx, query,
			p.Address.String(),
			p.Owner,
			p.Name,
			p.Description,
			formatAmount(p.FundingGoal),
			formatAmount(p.MinimumDonation),
			formatAmount(p.TotalRaised),
			p.IsActive,
			p.Space,
			p.CreatedAt,
			p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return custody.ErrProjectAlreadyExists
		}

		batch := &pgx.Batch{}
		for i, m := range p.Milestones.Slice() {
			batch.Queue(`
                INSERT INTO milestones (project_address, position, title, description, amount, deadline, completed)
                VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7)
            `, p.Address.String(), i, m.Title, m.Description, formatAmount(m.Amount), nullableTime(m.Deadline), m.Completed)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert milestones: %w", err)
		}
		return nil
	})
}

// LockProject loads the project with SELECT ... FOR UPDATE.
func (t *projectTx) LockProject(ctx context.Context, addr model.Address) (model.Project, error) {
	var p model.Project
	err := otel.WithDBSpan(ctx, "lock_project", func(ctx context.Context) error {
		var err error
		p, err = findProject(ctx, t.tx, addr, true)
		return err
	})
	return p, err
}

// SaveProject writes the mutable fields of a locked project.
func (t *projectTx) SaveProject(ctx context.Context, p model.Project) error {
	query := `
        UPDATE projects
        SET total_raised = $2::text::numeric, is_active = $3, updated_at = $4
        WHERE address = $1
    `

	return otel.WithDBSpan(ctx, "save_project", func(ctx context.Context) error {
		tag, err := t.tx.Exec(ctx, query, p.Address.String(), formatAmount(p.TotalRaised), p.IsActive, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save project: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return custody.ErrProjectNotFound
		}

		batch := &pgx.Batch{}
		for i, m := range p.Milestones.Slice() {
			batch.Queue(`
                UPDATE milestones SET completed = $3
                WHERE project_address = $1 AND position = $2
            `, p.Address.String(), i, m.Completed)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save milestones: %w", err)
		}
		return nil
	})
}

func (t *projectTx) Ledger() ledger.Ledger {
	return &pgLedger{q: t.tx}
}

// Emit appends the event to the outbox inside the transaction.
func (t *projectTx) Emit(ctx context.Context, e custody.Event) error {
	return otel.WithDBSpan(ctx, "insert_outbox_event", func(ctx context.Context) error {
		return outbox.InsertEventInTx(ctx, t.tx, t.outbox, AggregateProject, e.Project.String(), e.RoutingKey, e.Payload)
	})
}

const projectColumns = `address, owner, name, description, funding_goal::text, minimum_donation::text,
               total_raised::text, is_active, space, created_at, updated_at`

func findProject(ctx context.Context, q querier, addr model.Address, forUpdate bool) (model.Project, error) {
	query := `
        SELECT ` + projectColumns + `
        FROM projects
        WHERE address = $1
    `
	if forUpdate {
		query += " FOR UPDATE"
	}

	p, err := scanProject(q.QueryRow(ctx, query, addr.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, custody.ErrProjectNotFound
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("find project: %w", err)
	}

	milestones, err := loadMilestones(ctx, q, []string{addr.String()})
	if err != nil {
		return model.Project{}, err
	}
	if p.Milestones, err = model.NewMilestones(milestones[addr]); err != nil {
		return model.Project{}, err
	}
	return p, nil
}

func scanProject(row pgx.Row) (model.Project, error) {
	var (
		p                     model.Project
		address               string
		goal, minimum, raised string
	)
	err := row.Scan(
		&address,
		&p.Owner,
		&p.Name,
		&p.Description,
		&goal,
		&minimum,
		&raised,
		&p.IsActive,
		&p.Space,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Project{}, err
	}

	p.Address = model.Address(address)
	if p.FundingGoal, err = parseAmount(goal); err != nil {
		return model.Project{}, err
	}
	if p.MinimumDonation, err = parseAmount(minimum); err != nil {
		return model.Project{}, err
	}
	if p.TotalRaised, err = parseAmount(raised); err != nil {
		return model.Project{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func loadMilestones(ctx context.Context, q querier, addrs []string) (map[model.Address][]model.Milestone, error) {
	query := `
        SELECT project_address, title, description, amount::text, deadline, completed
        FROM milestones
        WHERE project_address = ANY($1)
        ORDER BY project_address, position
    `

	out := make(map[model.Address][]model.Milestone, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx, query, addrs)
	if err != nil {
		return nil, fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m        model.Milestone
			address  string
			amount   string
			deadline *time.Time
		)
		if err := rows.Scan(&address, &m.Title, &m.Description, &amount, &deadline, &m.Completed); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		if m.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if deadline != nil {
			m.Deadline = deadline.UTC()
		}
		out[model.Address(address)] = append(out[model.Address(address)], m)
	}
	return out, rows.Err()
}

// NUMERIC(20,0) columns travel as text so the full uint64 range survives.
func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
