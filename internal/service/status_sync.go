package service

import (
	"context"
	"errors"

	"creditsync/internal/model"
	"creditsync/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// subscriptionStatus 支付方订阅状态 -> 账户订阅状态
func subscriptionStatus(providerStatus string) string {
	switch providerStatus {
	case "active":
		return model.SubscriptionStatusActive
	case "past_due":
		return model.SubscriptionStatusPastDue
	default:
		return model.SubscriptionStatusInactive
	}
}

// syncSubscriptionStatus 订阅变更：同步状态和周期结束时间，不涉及积分
func (r *Reconciler) syncSubscriptionStatus(ctx context.Context, ev *model.BillingEvent, res Result) (Result, error) {
	sub := ev.Subscription
	status := subscriptionStatus(sub.Status)

	err := r.commit(ctx, ev, &res, func(tx *gorm.DB) (string, error) {
		account, err := r.accountRepo.GetBySubscriptionRef(ctx, tx, sub.ID)
		if errors.Is(err, repository.ErrAccountNotFound) {
			return model.EventOutcomeUnmatched, nil
		}
		if err != nil {
			return "", storeError("按订阅查询账户失败", err)
		}
		res.UserID = account.UserID

		matched, err := r.accountRepo.UpdateSubscriptionStatus(ctx, tx, sub.ID, status, sub.CurrentPeriodEnd)
		if err != nil {
			return "", storeError("同步订阅状态失败", err)
		}
		if !matched {
			return model.EventOutcomeUnmatched, nil
		}

		err = r.enqueueEntitlement(ctx, tx, model.EntitlementChanged{
			UserID:  account.UserID,
			Balance: account.Credits,
			Plan:    stringValue(account.Plan),
			Status:  status,
			EventID: ev.ID,
		})
		if err != nil {
			return "", err
		}
		res.Balance = account.Credits
		return model.EventOutcomeProcessed, nil
	})
	if err == nil && res.Outcome == model.EventOutcomeUnmatched {
		r.log.Info("订阅未绑定账户，忽略状态变更",
			zap.String("event_id", ev.ID),
			zap.String("subscription_ref", sub.ID),
			zap.String("status", sub.Status))
	}
	return res, err
}

// cancelSubscription 订阅删除：状态 canceled 并清空订阅ID，之后只能通过新的结账重新开通
func (r *Reconciler) cancelSubscription(ctx context.Context, ev *model.BillingEvent, res Result) (Result, error) {
	sub := ev.Subscription

	err := r.commit(ctx, ev, &res, func(tx *gorm.DB) (string, error) {
		account, err := r.accountRepo.GetBySubscriptionRef(ctx, tx, sub.ID)
		if errors.Is(err, repository.ErrAccountNotFound) {
			return model.EventOutcomeUnmatched, nil
		}
		if err != nil {
			return "", storeError("按订阅查询账户失败", err)
		}
		res.UserID = account.UserID

		matched, err := r.accountRepo.CancelSubscription(ctx, tx, sub.ID)
		if err != nil {
			return "", storeError("取消订阅失败", err)
		}
		if !matched {
			return model.EventOutcomeUnmatched, nil
		}

		err = r.enqueueEntitlement(ctx, tx, model.EntitlementChanged{
			UserID:  account.UserID,
			Balance: account.Credits,
			Plan:    stringValue(account.Plan),
			Status:  model.SubscriptionStatusCanceled,
			EventID: ev.ID,
		})
		if err != nil {
			return "", err
		}
		res.Balance = account.Credits
		return model.EventOutcomeProcessed, nil
	})
	if err == nil && res.Outcome == model.EventOutcomeUnmatched {
		r.log.Info("订阅未绑定账户，忽略删除事件",
			zap.String("event_id", ev.ID),
			zap.String("subscription_ref", sub.ID))
	}
	return res, err
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
