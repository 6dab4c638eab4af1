package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapBook map[string]uint64

func (b mapBook) Balance(_ context.Context, account string) (uint64, error) {
	return b[account], nil
}

func (b mapBook) Credit(_ context.Context, account string, amount uint64) error {
	sum, ok := AddChecked(b[account], amount)
	if !ok {
		return ErrOverflow
	}
	b[account] = sum
	return nil
}

func (b mapBook) Debit(_ context.Context, account string, amount uint64) error {
	diff, ok := SubChecked(b[account], amount)
	if !ok {
		return ErrInsufficientBalance
	}
	b[account] = diff
	return nil
}

func TestAddChecked(t *testing.T) {
	sum, ok := AddChecked(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), sum)

	_, ok = AddChecked(math.MaxUint64, 1)
	assert.False(t, ok)

	sum, ok = AddChecked(math.MaxUint64, 0)
	assert.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), sum)
}

func TestSubChecked(t *testing.T) {
	diff, ok := SubChecked(5, 5)
	assert.True(t, ok)
	assert.Zero(t, diff)

	_, ok = SubChecked(4, 5)
	assert.False(t, ok)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	book := mapBook{"donor": 50}

	require.NoError(t, Transfer(ctx, book, "donor", "project", 20))
	assert.Equal(t, uint64(30), book["donor"])
	assert.Equal(t, uint64(20), book["project"])

	err := Transfer(ctx, book, "donor", "project", 31)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, uint64(30), book["donor"])

	book["full"] = math.MaxUint64
	err = Transfer(ctx, book, "donor", "full", 1)
	assert.True(t, errors.Is(err, ErrOverflow))
}
