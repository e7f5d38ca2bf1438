package service

import (
	"context"
	"encoding/json"

	"creditsync/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// enqueue 在入账事务内写入 outbox，消息 key 为用户ID
func (r *Reconciler) enqueue(ctx context.Context, tx *gorm.DB, topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	}
	if err := r.outboxRepo.Create(ctx, tx, msg); err != nil {
		return storeError("写入 outbox 失败", err)
	}
	return nil
}

// enqueueEmail 收件人优先取结账会话邮箱，其次账户邮箱；都没有时跳过
func (r *Reconciler) enqueueEmail(ctx context.Context, tx *gorm.DB, userID, to string, n model.EmailNotification) error {
	if !r.opts.EmailEnabled {
		return nil
	}
	if to == "" {
		r.log.Info("账户没有邮箱，跳过通知邮件", zap.String("user_id", userID), zap.String("template", n.Template))
		return nil
	}
	n.To = to
	return r.enqueue(ctx, tx, model.OutboxTopicEmail, userID, n)
}

func (r *Reconciler) enqueueEntitlement(ctx context.Context, tx *gorm.DB, change model.EntitlementChanged) error {
	if !r.opts.KafkaEnabled || r.opts.EntitlementTopic == "" {
		return nil
	}
	return r.enqueue(ctx, tx, r.opts.EntitlementTopic, change.UserID, change)
}

func (r *Reconciler) enqueueReferral(ctx context.Context, tx *gorm.DB, account *model.Account, plan, eventID string) error {
	if account.ReferredBy == "" || !r.opts.KafkaEnabled || r.opts.ReferralTopic == "" {
		return nil
	}
	return r.enqueue(ctx, tx, r.opts.ReferralTopic, account.UserID, model.ReferralCompleted{
		UserID:     account.UserID,
		ReferredBy: account.ReferredBy,
		Plan:       plan,
		EventID:    eventID,
	})
}
