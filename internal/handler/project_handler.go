package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"crowdvault/internal/custody"
	"crowdvault/internal/model"
	"crowdvault/pkg/logger"
	"crowdvault/pkg/rbac"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyHeader 让客户端安全地重试捐款请求
const IdempotencyHeader = "Idempotency-Key"

const donationScope = "donation"

// ProjectService 是 custody.Service 的项目操作
type ProjectService interface {
	InitializeProject(ctx context.Context, in custody.InitializeProjectInput) (model.Project, error)
	Donate(ctx context.Context, addr model.Address, donor string, amount uint64) (model.Project, error)
	CompleteMilestone(ctx context.Context, addr model.Address, caller string, index int) (model.Project, error)
	EmergencyPause(ctx context.Context, addr model.Address, caller string) (model.Project, error)
	GetProject(ctx context.Context, addr model.Address) (model.Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]model.Project, error)
}

// Deduper 用于捐款请求幂等
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string) error
}

type ProjectHandler struct {
	service ProjectService
	deduper Deduper
	logger  *zap.Logger
}

// NewProjectHandler deduper 可以为 nil，此时忽略 Idempotency-Key
func NewProjectHandler(service ProjectService, deduper Deduper, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		service: service,
		deduper: deduper,
		logger:  logger,
	}
}

type milestoneRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Amount      uint64     `json:"amount"`
	Deadline    *time.Time `json:"deadline"`
}

type createProjectRequest struct {
	Owner           string             `json:"owner"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	FundingGoal     uint64             `json:"funding_goal"`
	MinimumDonation uint64             `json:"minimum_donation"`
	Milestones      []milestoneRequest `json:"milestones"`
}

// CreateProject handles POST /projects
// owner 为当前调用者；请求体中的 owner 若存在必须一致
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	caller, ok := subject(c)
	if !ok {
		return
	}

	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if !checkPayloadCaller(c, caller, req.Owner) {
		return
	}

	milestones := make([]model.Milestone, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = model.Milestone{
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
		}
		if m.Deadline != nil {
			milestones[i].Deadline = *m.Deadline
		}
	}

	project, err := h.service.InitializeProject(c.Request.Context(), custody.InitializeProjectInput{
		Owner:           caller,
		Name:            req.Name,
		Description:     req.Description,
		FundingGoal:     req.FundingGoal,
		MinimumDonation: req.MinimumDonation,
		Milestones:      milestones,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", "/projects/"+project.Address.String())
	c.JSON(http.StatusCreated, project)
}

// GetProject handles GET /projects/:address
func (h *ProjectHandler) GetProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), model.Address(c.Param("address")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// GetOwnerProject handles GET /owners/:owner/project
func (h *ProjectHandler) GetOwnerProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), model.DeriveAddress(c.Param("owner")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListProjects handles GET /projects?limit=&offset=
func (h *ProjectHandler) ListProjects(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		badRequest(c, "invalid limit parameter")
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		badRequest(c, "invalid offset parameter")
		return
	}

	projects, err := h.service.ListProjects(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

type donateRequest struct {
	Donor  string `json:"donor"`
	Amount uint64 `json:"amount"`
}

// Donate handles POST /projects/:address/donations
func (h *ProjectHandler) Donate(c *gin.Context) {
	caller, ok := subject(c)
	if !ok {
		return
	}

	var req donateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	if !checkPayloadCaller(c, caller, req.Donor) {
		return
	}

	ctx := c.Request.Context()
	addr := model.Address(c.Param("address"))
	log := logger.WithTrace(ctx, h.logger)

	key := c.GetHeader(IdempotencyHeader)
	if key != "" && h.deduper != nil {
		key = addr.String() + ":" + caller + ":" + key
		if !h.deduper.AcquireOnce(ctx, donationScope, key) {
			c.JSON(http.StatusConflict, gin.H{"code": "DUPLICATE_REQUEST", "error": "donation already submitted"})
			return
		}
	}

	project, err := h.service.Donate(ctx, addr, caller, req.Amount)
	if err != nil {
		// 失败的请求允许用同一个 key 重试
		if key != "" && h.deduper != nil {
			if relErr := h.deduper.Release(ctx, donationScope, key); relErr != nil {
				log.Warn("Failed to release idempotency key", zap.Error(relErr))
			}
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, project)
}

// CompleteMilestone handles POST /projects/:address/milestones/:index/complete
func (h *ProjectHandler) CompleteMilestone(c *gin.Context) {
	caller, ok := subject(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "invalid milestone index")
		return
	}

	project, err := h.service.CompleteMilestone(c.Request.Context(), model.Address(c.Param("address")), caller, index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// EmergencyPause handles POST /projects/:address/pause
func (h *ProjectHandler) EmergencyPause(c *gin.Context) {
	caller, ok := subject(c)
	if !ok {
		return
	}

	project, err := h.service.EmergencyPause(c.Request.Context(), model.Address(c.Param("address")), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func checkPayloadCaller(c *gin.Context, caller, payloadCaller string) bool {
	if err := rbac.ValidateCallerInPayload(caller, payloadCaller); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"code": custody.ErrUnauthorizedAccess.Code, "error": err.Error()})
		return false
	}
	return true
}
