package model

import (
	"time"
)

// ============================================================================
// 积分流水类别
// ============================================================================

const (
	TransactionCategorySubscriptionGrant = "subscription-grant" // 订阅开通赠送
	TransactionCategoryRenewalGrant      = "renewal-grant"      // 续费赠送
	TransactionCategoryOneTimePurchase   = "one-time-purchase"  // 单次购买积分
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 每处理成功一个计费事件，恰好追加一条
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. ExternalRef 唯一 —— 同一个事件（或结账会话）重复投递时插入冲突，视为已处理
// 3. 记录变动前后余额 —— 便于与账户余额对账
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Category      string    `gorm:"type:varchar(32);not null" json:"category"`
	Description   string    `gorm:"type:varchar(256)" json:"description"`
	ExternalRef   string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"external_ref"` // 事件ID或结账会话ID
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
