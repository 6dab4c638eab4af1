package repository

import (
	"context"
	"errors"
	"fmt"

	"crowdvault/internal/ledger"
	"crowdvault/pkg/otel"

	"github.com/jackc/pgx/v5"
)

// pgLedger keeps balances in ledger_accounts. Inside a transaction the row
// locks taken by UPDATE serialise concurrent movements on the same account.
type pgLedger struct {
	q querier
}

func (l *pgLedger) Balance(ctx context.Context, account string) (uint64, error) {
	query := `
        SELECT balance::text
        FROM ledger_accounts
        WHERE account = $1
    `

	var balance uint64
	err := otel.WithDBSpan(ctx, "ledger_balance", func(ctx context.Context) error {
		var raw string
		if err := l.q.QueryRow(ctx, query, account).Scan(&raw); err != nil {
			return err
		}
		var err error
		balance, err = parseAmount(raw)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return balance, nil
}

// Credit adds amount to account, creating it if needed. The conditional
// upsert touches no row when the sum would leave the uint64 range.
func (l *pgLedger) Credit(ctx context.Context, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}

	query := `
        INSERT INTO ledger_accounts (account, balance, updated_at)
        VALUES ($1, $2::text::numeric, NOW())
        ON CONFLICT (account) DO UPDATE
        SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = NOW()
        WHERE ledger_accounts.balance + EXCLUDED.balance <= 18446744073709551615
    `

	return otel.WithDBSpan(ctx, "ledger_credit", func(ctx context.Context) error {
		tag, err := l.q.Exec(ctx, query, account, formatAmount(amount))
		if err != nil {
			return fmt.Errorf("ledger credit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrOverflow
		}
		return nil
	})
}

// Debit subtracts amount from account, failing when the balance is short.
func (l *pgLedger) Debit(ctx context.Context, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}

	query := `
        UPDATE ledger_accounts
        SET balance = balance - $2::text::numeric, updated_at = NOW()
        WHERE account = $1 AND balance >= $2::text::numeric
    `

	return otel.WithDBSpan(ctx, "ledger_debit", func(ctx context.Context) error {
		tag, err := l.q.Exec(ctx, query, account, formatAmount(amount))
		if err != nil {
			return fmt.Errorf("ledger debit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrInsufficientBalance
		}
		return nil
	})
}

func (l *pgLedger) Transfer(ctx context.Context, source, destination string, amount uint64) error {
	return ledger.Transfer(ctx, l, source, destination, amount)
}
