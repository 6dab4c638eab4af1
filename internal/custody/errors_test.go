package custody

import (
	"errors"
	"fmt"
	"testing"

	"crowdvault/internal/ledger"

	"github.com/stretchr/testify/assert"
)

func TestErrorNumbersFollowDeclarationOrder(t *testing.T) {
	want := []string{
		"PROJECT_INACTIVE",
		"DONATION_TOO_SMALL",
		"INVALID_FUNDING_GOAL",
		"TOO_MANY_MILESTONES",
		"INVALID_MILESTONE_INDEX",
		"MILESTONE_ALREADY_COMPLETED",
		"INSUFFICIENT_FUNDS",
		"UNAUTHORIZED_ACCESS",
		"OVERFLOW",
	}
	for i, code := range want {
		assert.Equal(t, code, Errors[i].Code)
		assert.Equal(t, 6000+i, Errors[i].Number)
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	codes := map[string]bool{}
	numbers := map[int]bool{}
	for _, e := range Errors {
		assert.False(t, codes[e.Code], "duplicate code %s", e.Code)
		assert.False(t, numbers[e.Number], "duplicate number %d", e.Number)
		assert.NotEmpty(t, e.Message)
		codes[e.Code] = true
		numbers[e.Number] = true
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "OK", CodeOf(nil))
	assert.Equal(t, "OVERFLOW", CodeOf(ErrOverflow))
	assert.Equal(t, "RECORD_TOO_LARGE", CodeOf(fmt.Errorf("%w: 20000 bytes", ErrRecordTooLarge)))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(fmt.Errorf("debit donor: %w", ledger.ErrInsufficientBalance)))
	assert.Equal(t, "INTERNAL", CodeOf(errors.New("boom")))
}
