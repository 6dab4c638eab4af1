package custody

import (
	"errors"

	"crowdvault/internal/ledger"
)

// Kind groups errors by who has to act on them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindResource      Kind = "resource"
	KindStorage       Kind = "storage"
)

// Error is a stable, caller-visible failure. Every value is a package-level
// sentinel; compare with errors.Is.
type Error struct {
	Code    string
	Number  int
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

const errorBase = 6000

// CodeInsufficientBalance is reported when a caller's own ledger account
// cannot cover a transfer. It is not a custody sentinel.
const CodeInsufficientBalance = "INSUFFICIENT_BALANCE"

var (
	ErrProjectInactive          = &Error{"PROJECT_INACTIVE", errorBase + 0, KindValidation, "project is not active"}
	ErrDonationTooSmall         = &Error{"DONATION_TOO_SMALL", errorBase + 1, KindValidation, "donation amount is below the minimum"}
	ErrInvalidFundingGoal       = &Error{"INVALID_FUNDING_GOAL", errorBase + 2, KindValidation, "funding goal must be greater than zero"}
	ErrTooManyMilestones        = &Error{"TOO_MANY_MILESTONES", errorBase + 3, KindValidation, "too many milestones (maximum 10)"}
	ErrInvalidMilestoneIndex    = &Error{"INVALID_MILESTONE_INDEX", errorBase + 4, KindValidation, "invalid milestone index"}
	ErrMilestoneAlreadyComplete = &Error{"MILESTONE_ALREADY_COMPLETED", errorBase + 5, KindValidation, "milestone already completed"}
	ErrInsufficientFunds        = &Error{"INSUFFICIENT_FUNDS", errorBase + 6, KindResource, "insufficient funds in project custody"}
	ErrUnauthorizedAccess       = &Error{"UNAUTHORIZED_ACCESS", errorBase + 7, KindAuthorization, "caller is not the project owner"}
	ErrOverflow                 = &Error{"OVERFLOW", errorBase + 8, KindResource, "arithmetic overflow"}

	ErrProjectAlreadyExists = &Error{"PROJECT_ALREADY_EXISTS", errorBase + 100, KindStorage, "a project already exists for this owner"}
	ErrProjectNotFound      = &Error{"PROJECT_NOT_FOUND", errorBase + 101, KindStorage, "project not found"}
	ErrRecordTooLarge       = &Error{"RECORD_TOO_LARGE", errorBase + 102, KindStorage, "project record exceeds storage capacity"}
)

// Errors lists every sentinel, in numeric order.
var Errors = []*Error{
	ErrProjectInactive,
	ErrDonationTooSmall,
	ErrInvalidFundingGoal,
	ErrTooManyMilestones,
	ErrInvalidMilestoneIndex,
	ErrMilestoneAlreadyComplete,
	ErrInsufficientFunds,
	ErrUnauthorizedAccess,
	ErrOverflow,
	ErrProjectAlreadyExists,
	ErrProjectNotFound,
	ErrRecordTooLarge,
}

// CodeOf returns the stable code for err: "OK" for nil, the sentinel code when
// err wraps one, CodeInsufficientBalance for a caller's ledger shortfall and
// "INTERNAL" otherwise.
func CodeOf(err error) string {
	if err == nil {
		return "OK"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return CodeInsufficientBalance
	}
	return "INTERNAL"
}
