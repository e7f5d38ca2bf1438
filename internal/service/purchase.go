package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"creditsync/internal/model"

	"gorm.io/gorm"
)

// purchaseCredits 单次购买积分：数量以 metadata.credits 为准，不改动套餐和订阅字段
// 流水 external_ref 使用结账会话ID
func (r *Reconciler) purchaseCredits(ctx context.Context, ev *model.BillingEvent, res Result) (Result, error) {
	cs := ev.Checkout
	userID := checkoutUserID(cs)
	if userID == "" {
		return res, fmt.Errorf("%w: checkout %s 缺少 user_id", model.ErrMalformedEvent, cs.ID)
	}
	res.UserID = userID

	raw := strings.TrimSpace(cs.Metadata[model.MetadataCredits])
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return res, fmt.Errorf("%w: checkout %s 的 credits 非法: %q", model.ErrMalformedEvent, cs.ID, raw)
	}

	// 价格ID只用于邮件展示
	var price string
	if plan, err := r.plans.Resolve(cs.Metadata[model.MetadataPriceID]); err == nil {
		price = plan.DisplayPrice
	}

	err = r.commit(ctx, ev, &res, func(tx *gorm.DB) (string, error) {
		balance, err := r.grant(ctx, tx, userID, credits, model.TransactionCategoryOneTimePurchase,
			fmt.Sprintf("购买积分 %d", credits), cs.ID)
		if err != nil {
			return "", err
		}

		to := cs.CustomerEmail
		if to == "" {
			account, err := r.accountRepo.GetByUserID(ctx, tx, userID)
			if err != nil {
				return "", storeError("读取账户失败", err)
			}
			to = account.Email
		}
		err = r.enqueueEmail(ctx, tx, userID, to, model.EmailNotification{
			Template: model.EmailTemplateCreditPurchase,
			Price:    price,
			Credits:  credits,
			Balance:  balance,
		})
		if err != nil {
			return "", err
		}
		err = r.enqueueEntitlement(ctx, tx, model.EntitlementChanged{
			UserID:   userID,
			Category: model.TransactionCategoryOneTimePurchase,
			Delta:    credits,
			Balance:  balance,
			EventID:  ev.ID,
		})
		if err != nil {
			return "", err
		}

		res.CreditsGranted = credits
		res.Balance = balance
		return model.EventOutcomeProcessed, nil
	})
	if err != nil {
		return res, err
	}
	if res.Outcome == model.EventOutcomeProcessed {
		r.metrics.ObserveGrant(model.TransactionCategoryOneTimePurchase, credits)
	}
	return res, nil
}
