package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccountService 是 custody.Service 的账户操作
type AccountService interface {
	Balance(ctx context.Context, account string) (uint64, error)
	Fund(ctx context.Context, account string, amount uint64) (uint64, error)
}

type AccountHandler struct {
	service AccountService
	logger  *zap.Logger
}

func NewAccountHandler(service AccountService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		service: service,
		logger:  logger,
	}
}

// GetBalance handles GET /accounts/:account/balance
func (h *AccountHandler) GetBalance(c *gin.Context) {
	account := c.Param("account")
	balance, err := h.service.Balance(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "balance": balance})
}

type faucetRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// Faucet handles POST /faucet，给调用者账户充值（仅开发环境开启）
func (h *AccountHandler) Faucet(c *gin.Context) {
	caller, ok := subject(c)
	if !ok {
		return
	}

	var req faucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	balance, err := h.service.Fund(c.Request.Context(), caller, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}

	h.logger.Info("Faucet funded account",
		zap.String("account", caller),
		zap.Uint64("amount", req.Amount),
	)
	c.JSON(http.StatusOK, gin.H{"account": caller, "balance": balance})
}
