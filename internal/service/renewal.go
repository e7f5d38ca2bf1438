package service

import (
	"context"
	"errors"
	"fmt"

	"creditsync/internal/model"
	"creditsync/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// renewSubscription 周期续费：按订阅当前价格赠送套餐积分，刷新周期结束时间，不发邮件
//
// 只处理 billing_reason = subscription_cycle 的账单，首期账单由开通流程负责。
// 价格无法匹配套餐时跳过（不使用兜底套餐），事件仍记为已处理
func (r *Reconciler) renewSubscription(ctx context.Context, ev *model.BillingEvent, res Result) (Result, error) {
	inv := ev.Invoice
	if inv.BillingReason != model.BillingInvoiceReasonCycle {
		r.log.Debug("非续费账单，忽略",
			zap.String("event_id", ev.ID),
			zap.String("billing_reason", inv.BillingReason))
		res.Outcome = model.EventOutcomeIgnored
		return res, nil
	}
	if inv.SubscriptionRef == "" {
		return res, fmt.Errorf("%w: invoice %s 缺少订阅ID", model.ErrMalformedEvent, inv.ID)
	}

	sub, err := r.processor.FetchSubscription(ctx, inv.SubscriptionRef)
	if err != nil {
		return res, err
	}

	userID := sub.Metadata[model.MetadataUserID]
	if userID == "" {
		account, err := r.accountRepo.GetBySubscriptionRef(ctx, nil, sub.ID)
		switch {
		case errors.Is(err, repository.ErrAccountNotFound):
			return res, fmt.Errorf("%w: 订阅 %s 无法对应到用户", model.ErrMalformedEvent, sub.ID)
		case err != nil:
			return res, storeError("按订阅查询账户失败", err)
		}
		userID = account.UserID
	}
	res.UserID = userID

	plan, err := r.plans.Resolve(sub.PriceID)
	if err != nil {
		r.log.Warn("续费价格ID未匹配到套餐，跳过入账",
			zap.String("event_id", ev.ID),
			zap.String("user_id", userID),
			zap.String("price_id", sub.PriceID))
		err = r.commit(ctx, ev, &res, func(*gorm.DB) (string, error) {
			return model.EventOutcomeSkipped, nil
		})
		return res, err
	}

	err = r.commit(ctx, ev, &res, func(tx *gorm.DB) (string, error) {
		balance, err := r.grant(ctx, tx, userID, plan.Credits, model.TransactionCategoryRenewalGrant,
			fmt.Sprintf("续费赠送 %s", plan.DisplayName), ev.ID)
		if err != nil {
			return "", err
		}

		if sub.CurrentPeriodEnd != nil {
			if err := r.accountRepo.UpdatePeriodEnd(ctx, tx, userID, *sub.CurrentPeriodEnd); err != nil {
				return "", storeError("更新订阅周期失败", err)
			}
		}

		err = r.enqueueEntitlement(ctx, tx, model.EntitlementChanged{
			UserID:   userID,
			Category: model.TransactionCategoryRenewalGrant,
			Delta:    plan.Credits,
			Balance:  balance,
			Plan:     plan.Name,
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
		r.metrics.ObserveGrant(model.TransactionCategoryRenewalGrant, plan.Credits)
	}
	return res, nil
}
