package handler

import (
	"errors"
	"net/http"

	"crowdvault/internal/custody"
	"crowdvault/internal/ledger"

	"github.com/gin-gonic/gin"
)

// SubjectKey is the gin context key holding the authenticated caller.
const SubjectKey = "subject"

// subject 读取认证后的调用者
func subject(c *gin.Context) (string, bool) {
	v, ok := c.Get(SubjectKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "caller not authenticated"})
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "caller not authenticated"})
		return "", false
	}
	return s, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": msg})
}

// writeError 把领域错误映射为 HTTP 状态码和稳定的错误码
func writeError(c *gin.Context, err error) {
	var ce *custody.Error
	if errors.As(err, &ce) {
		c.JSON(statusOf(ce), gin.H{
			"code":   ce.Code,
			"number": ce.Number,
			"error":  ce.Message,
		})
		return
	}

	if errors.Is(err, ledger.ErrInsufficientBalance) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"code":  custody.CodeInsufficientBalance,
			"error": "account balance is too low",
		})
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": custody.CodeOf(err), "error": "internal error"})
}

func statusOf(e *custody.Error) int {
	switch e {
	case custody.ErrUnauthorizedAccess:
		return http.StatusForbidden
	case custody.ErrProjectNotFound:
		return http.StatusNotFound
	case custody.ErrProjectAlreadyExists,
		custody.ErrProjectInactive,
		custody.ErrMilestoneAlreadyComplete,
		custody.ErrInsufficientFunds:
		return http.StatusConflict
	case custody.ErrRecordTooLarge:
		return http.StatusRequestEntityTooLarge
	case custody.ErrOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
