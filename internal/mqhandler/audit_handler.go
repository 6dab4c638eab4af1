package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mqcontracts "crowdvault/contracts/mq"
	"crowdvault/pkg/logger"
	"crowdvault/pkg/metrics"
	"crowdvault/pkg/mq"
	"crowdvault/pkg/util"

	"go.uber.org/zap"
)

// auditScope 是去重 key 的命名空间
const auditScope = "audit"

// Deduper 按消息 ID 去重
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string) error
}

var errEmptyProject = errors.New("payload has no project")

// AuditHandler 消费全部项目事件并写入审计日志
type AuditHandler struct {
	deduper Deduper
	logger  *zap.Logger
}

func NewAuditHandler(deduper Deduper, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		deduper: deduper,
		logger:  logger,
	}
}

// Handle 记录一条项目事件；格式错误的消息返回不可重试错误
func (h *AuditHandler) Handle(ctx context.Context, msg mq.Message) error {
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("message_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
	)

	if msg.ID != "" && !h.deduper.AcquireOnce(ctx, auditScope, msg.ID) {
		metrics.IncrementAudited(msg.RoutingKey, "duplicate")
		return nil
	}

	fields, err := decodeAuditFields(msg)
	if err != nil {
		metrics.IncrementAudited(msg.RoutingKey, "invalid")
		log.Error("Invalid project event", zap.Error(err))
		if msg.ID != "" {
			if relErr := h.deduper.Release(ctx, auditScope, msg.ID); relErr != nil {
				log.Warn("Failed to release dedup key", zap.Error(relErr))
			}
		}
		return util.Permanent(err)
	}

	metrics.IncrementAudited(msg.RoutingKey, "recorded")
	log.Info("Project event audited", fields...)
	return nil
}

func decodeAuditFields(msg mq.Message) ([]zap.Field, error) {
	switch msg.RoutingKey {
	case mqcontracts.RoutingKeyProjectInitialized:
		var p mqcontracts.ProjectInitializedPayload
		if err := decode(msg.Body, &p, &p.Project); err != nil {
			return nil, err
		}
		return []zap.Field{
			zap.String("project", p.Project),
			zap.String("owner", p.Owner),
			zap.Uint64("funding_goal", p.FundingGoal),
			zap.Uint64("minimum_donation", p.MinimumDonation),
			zap.Int("milestones", p.Milestones),
			zap.Time("timestamp", p.Timestamp),
		}, nil
	case mqcontracts.RoutingKeyDonation:
		var p mqcontracts.DonationPayload
		if err := decode(msg.Body, &p, &p.Project); err != nil {
			return nil, err
		}
		return []zap.Field{
			zap.String("project", p.Project),
			zap.String("donor", p.Donor),
			zap.Uint64("amount", p.Amount),
			zap.Time("timestamp", p.Timestamp),
		}, nil
	case mqcontracts.RoutingKeyMilestoneCompleted:
		var p mqcontracts.MilestoneCompletedPayload
		if err := decode(msg.Body, &p, &p.Project); err != nil {
			return nil, err
		}
		return []zap.Field{
			zap.String("project", p.Project),
			zap.Int("milestone_index", p.MilestoneIndex),
			zap.Uint64("amount", p.Amount),
			zap.Time("timestamp", p.Timestamp),
		}, nil
	case mqcontracts.RoutingKeyProjectPaused:
		var p mqcontracts.ProjectPausedPayload
		if err := decode(msg.Body, &p, &p.Project); err != nil {
			return nil, err
		}
		return []zap.Field{
			zap.String("project", p.Project),
			zap.String("owner", p.Owner),
			zap.Time("timestamp", p.Timestamp),
		}, nil
	default:
		return nil, fmt.Errorf("unknown routing key %q", msg.RoutingKey)
	}
}

func decode(body []byte, out any, project *string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if *project == "" {
		return errEmptyProject
	}
	return nil
}
