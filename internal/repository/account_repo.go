package repository

import (
	"context"
	"errors"
	"time"

	"creditsync/internal/model"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrNegativeBalance = errors.New("积分余额不能为负")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetBySubscriptionRef 按支付方订阅ID查账户，订阅取消后 ref 被清空，查不到返回 ErrAccountNotFound
func (r *AccountRepository) GetBySubscriptionRef(ctx context.Context, tx *gorm.DB, ref string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("subscription_ref = ?", ref).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyCreditDelta 原子调整积分余额，返回调整前后的余额
//
// 【重要】余额在数据库端自增（credits = credits + ?），并发入账不会丢失更新；
// 调整后的余额在同一事务内读回，调整前余额由差值反推
func (r *AccountRepository) ApplyCreditDelta(ctx context.Context, tx *gorm.DB, userID string, delta int64) (before, after int64, err error) {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).Model(&model.Account{}).Where("user_id = ?", userID)
	if delta < 0 {
		query = query.Where("credits >= ?", -delta)
	}
	result := query.Updates(map[string]interface{}{
		"credits": gorm.Expr("credits + ?", delta),
		"version": gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return 0, 0, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return 0, 0, err
		}
		return 0, 0, ErrNegativeBalance
	}

	var credits int64
	err = tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Pluck("credits", &credits).Error
	if err != nil {
		return 0, 0, err
	}
	return credits - delta, credits, nil
}

// ActivateSubscription 写入订阅快照：套餐、状态 active、订阅ID、周期结束时间
func (r *AccountRepository) ActivateSubscription(ctx context.Context, tx *gorm.DB, userID, plan, ref string, periodEnd *time.Time) error {
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"plan":                model.StringPtr(plan),
		"subscription_status": model.SubscriptionStatusActive,
		"version":             gorm.Expr("version + 1"),
	}
	if ref != "" {
		updates["subscription_ref"] = model.StringPtr(ref)
	}
	if periodEnd != nil {
		updates["subscription_period_end"] = periodEnd
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateSubscriptionStatus 按订阅ID同步状态，返回是否命中账户
// 条件带 subscription_ref，已取消（ref 已清空）的账户不会被状态事件重新激活
func (r *AccountRepository) UpdateSubscriptionStatus(ctx context.Context, tx *gorm.DB, ref, status string, periodEnd *time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"subscription_status": status,
		"version":             gorm.Expr("version + 1"),
	}
	if periodEnd != nil {
		updates["subscription_period_end"] = periodEnd
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("subscription_ref = ?", ref).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CancelSubscription 订阅删除：状态 canceled，清空订阅ID；套餐和积分保持不变
func (r *AccountRepository) CancelSubscription(ctx context.Context, tx *gorm.DB, ref string) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("subscription_ref = ?", ref).
		Updates(map[string]interface{}{
			"subscription_status": model.SubscriptionStatusCanceled,
			"subscription_ref":    gorm.Expr("NULL"),
			"version":             gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AccountRepository) UpdatePeriodEnd(ctx context.Context, tx *gorm.DB, userID string, periodEnd time.Time) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"subscription_period_end": periodEnd,
			"version":                 gorm.Expr("version + 1"),
		}).Error
}
