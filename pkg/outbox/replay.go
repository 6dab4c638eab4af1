package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayStore 是 ReplayService 依赖的 outbox 存储
type ReplayStore interface {
	GetEventByID(ctx context.Context, id int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, id int64) error
}

// ReplayService 提供重放 Outbox 事件的服务
type ReplayService struct {
	repo      ReplayStore
	publisher Publisher
	logger    *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo ReplayStore, publisher Publisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// ReplayEvent 重放指定的事件，成功后标记为已发送
func (s *ReplayService) ReplayEvent(ctx context.Context, id int64) error {
	event, err := s.repo.GetEventByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}

	ctx = extractTraceIDFromPayload(ctx, event.Payload)
	// 沿用原 event_id，消费者可据此去重
	if err := s.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload, event.EventID); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	if err := s.repo.MarkAsSent(ctx, id); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}

	return nil
}

// ReplayFailedEvents 重放所有失败的事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			// 记录错误但继续处理其他事件
			s.logger.Warn("Failed to replay event",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			continue
		}
		successCount++
	}

	s.logger.Info("Replayed failed outbox events",
		zap.Int("total", len(events)),
		zap.Int("replayed", successCount),
	)
	return successCount, nil
}
