// Package ledger defines the value-transfer collaborator used by the custody
// service. Implementations live next to the store they share a transaction
// with (Postgres and in-memory).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: balance overflow")
)

// Book is the balance primitive set a ledger is built from.
type Book interface {
	Balance(ctx context.Context, account string) (uint64, error)
	// Credit adds amount to account, creating it if needed. Fails with
	// ErrOverflow if the balance would not fit in 64 bits.
	Credit(ctx context.Context, account string, amount uint64) error
	// Debit removes amount from account. Fails with ErrInsufficientBalance
	// if the account holds less than amount.
	Debit(ctx context.Context, account string, amount uint64) error
}

// Ledger moves value between accounts.
type Ledger interface {
	Book
	// Transfer moves amount from source to destination. It is all-or-nothing
	// only within the enclosing store transaction.
	Transfer(ctx context.Context, source, destination string, amount uint64) error
}

// Transfer implements Ledger.Transfer on top of a Book.
func Transfer(ctx context.Context, b Book, source, destination string, amount uint64) error {
	if err := b.Debit(ctx, source, amount); err != nil {
		return fmt.Errorf("debit %s: %w", source, err)
	}
	if err := b.Credit(ctx, destination, amount); err != nil {
		return fmt.Errorf("credit %s: %w", destination, err)
	}
	return nil
}

// AddChecked returns a+b and false if the sum overflows uint64.
func AddChecked(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// SubChecked returns a-b and false if b is greater than a.
func SubChecked(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}
