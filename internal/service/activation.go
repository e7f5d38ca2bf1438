package service

import (
	"context"
	"fmt"
	"time"

	"creditsync/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// activateSubscription 订阅开通：赠送套餐积分，账户切换为 active
//
// 价格ID优先取 metadata.price_id，否则回查订阅；
// 价格无法匹配套餐时使用兜底套餐并打 WARN（续费则是跳过，两者刻意不同）
func (r *Reconciler) activateSubscription(ctx context.Context, ev *model.BillingEvent, res Result) (Result, error) {
	cs := ev.Checkout
	userID := checkoutUserID(cs)
	if userID == "" {
		return res, fmt.Errorf("%w: checkout %s 缺少 user_id", model.ErrMalformedEvent, cs.ID)
	}
	res.UserID = userID

	priceID := cs.Metadata[model.MetadataPriceID]
	var periodEnd *time.Time
	if cs.SubscriptionRef != "" {
		sub, err := r.processor.FetchSubscription(ctx, cs.SubscriptionRef)
		switch {
		case err == nil:
			if priceID == "" {
				priceID = sub.PriceID
			}
			periodEnd = sub.CurrentPeriodEnd
		case priceID == "":
			return res, err
		default:
			r.log.Warn("回查订阅失败，使用 metadata 中的价格ID",
				zap.String("event_id", ev.ID),
				zap.String("subscription_ref", cs.SubscriptionRef),
				zap.Error(err))
		}
	}

	plan, err := r.plans.Resolve(priceID)
	if err != nil {
		plan = r.plans.Default()
		r.log.Warn("价格ID未匹配到套餐，使用兜底套餐",
			zap.String("event_id", ev.ID),
			zap.String("user_id", userID),
			zap.String("price_id", priceID),
			zap.String("fallback_plan", plan.Name),
			zap.Bool("plan_fallback", true))
	}

	err = r.commit(ctx, ev, &res, func(tx *gorm.DB) (string, error) {
		balance, err := r.grant(ctx, tx, userID, plan.Credits, model.TransactionCategorySubscriptionGrant,
			fmt.Sprintf("订阅开通赠送 %s", plan.DisplayName), ev.ID)
		if err != nil {
			return "", err
		}

		account, err := r.accountRepo.GetByUserID(ctx, tx, userID)
		if err != nil {
			return "", storeError("读取账户失败", err)
		}
		// 邀请奖励只在账户第一次开通订阅时发放，取消后重新订阅不再触发
		firstActivation := account.SubscriptionStatus == model.SubscriptionStatusNone

		if err := r.accountRepo.ActivateSubscription(ctx, tx, userID, plan.Name, cs.SubscriptionRef, periodEnd); err != nil {
			return "", storeError("更新订阅状态失败", err)
		}

		to := cs.CustomerEmail
		if to == "" {
			to = account.Email
		}
		err = r.enqueueEmail(ctx, tx, userID, to, model.EmailNotification{
			Template: model.EmailTemplateSubscriptionWelcome,
			PlanName: plan.DisplayName,
			Price:    plan.DisplayPrice,
			Credits:  plan.Credits,
			Balance:  balance,
		})
		if err != nil {
			return "", err
		}
		if firstActivation {
			if err := r.enqueueReferral(ctx, tx, account, plan.Name, ev.ID); err != nil {
				return "", err
			}
		}
		err = r.enqueueEntitlement(ctx, tx, model.EntitlementChanged{
			UserID:   userID,
			Category: model.TransactionCategorySubscriptionGrant,
			Delta:    plan.Credits,
			Balance:  balance,
			Plan:     plan.Name,
			Status:   model.SubscriptionStatusActive,
			EventID:  ev.ID,
		})
		if err != nil {
			return "", err
		}

		res.CreditsGranted = plan.Credits
		res.Balance = balance
		return model.EventOutcomeProcessed, nil
	})
	if err != nil {
		return res, err
	}
	if res.Outcome == model.EventOutcomeProcessed {
		r.metrics.ObserveGrant(model.TransactionCategorySubscriptionGrant, plan.Credits)
	}
	return res, nil
}
