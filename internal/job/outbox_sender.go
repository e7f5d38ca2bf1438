package job

import (
	"context"
	"time"

	"creditsync/internal/config"
	"creditsync/internal/infrastructure/metrics"
	"creditsync/internal/model"
	"creditsync/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sender 投递一条 outbox 消息（邮件或 Kafka）
type Sender interface {
	Deliver(ctx context.Context, msg *model.OutboxMessage) error
}

// OutboxSender 轮询 PENDING 消息并按 topic 路由投递
// 投递失败只增加重试次数，超过 max_retry_count 标记 FAILED，不会影响已确认的 webhook
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	senders    map[string]Sender
	maxRetry   int
	metrics    *metrics.Metrics
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.BusinessConfig, m *metrics.Metrics, log *zap.Logger) *OutboxSender {
	interval := time.Duration(cfg.OutboxIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	batchSize := cfg.OutboxBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		senders:    make(map[string]Sender),
		maxRetry:   cfg.MaxRetryCount,
		metrics:    m,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Route 注册 topic 对应的投递方，需在 Start 之前调用
func (s *OutboxSender) Route(topic string, sender Sender) {
	s.senders[topic] = sender
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("[OutboxSender] 消息发送任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 处理一批待发送消息，返回成功投递的条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("[OutboxSender] 查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	fields := []zap.Field{
		zap.Int64("id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.MessageKey),
	}

	sender, ok := s.senders[msg.Topic]
	if !ok {
		s.log.Warn("[OutboxSender] 没有可用的投递方，标记为失败", fields...)
		s.metrics.ObserveDelivery(msg.Topic, "unroutable")
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			s.log.Error("[OutboxSender] 标记消息失败状态失败", append(fields, zap.Error(err))...)
		}
		return false
	}

	err := sender.Deliver(ctx, msg)
	if err == nil {
		s.metrics.ObserveDelivery(msg.Topic, "sent")
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("[OutboxSender] 更新消息状态失败", append(fields, zap.Error(updateErr))...)
		} else {
			s.log.Debug("[OutboxSender] 消息发送成功", fields...)
		}
		return true
	}

	s.metrics.ObserveDelivery(msg.Topic, "error")
	s.log.Warn("[OutboxSender] 消息发送失败", append(fields, zap.Int("retry_count", msg.RetryCount), zap.Error(err))...)

	failed, recErr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if recErr != nil {
		s.log.Error("[OutboxSender] 记录失败次数失败", append(fields, zap.Error(recErr))...)
	} else if failed {
		s.log.Warn("[OutboxSender] 消息超过最大重试次数，标记为失败", fields...)
	}
	return false
}
