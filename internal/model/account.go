package model

import (
	"time"
)

// 订阅状态
const (
	SubscriptionStatusNone     = "none"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusInactive = "inactive"
	SubscriptionStatusCanceled = "canceled"
)

// Account 用户账户表
// 记录用户的积分余额和订阅快照；行在用户注册时创建，本服务只负责对账相关字段
//
// 【重要】Credits 只能通过流水（CreditTransaction）调整，
// 更新必须使用数据库端的原子自增（credits = credits + ?），不允许先读后写
type Account struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID                string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`              // 用户ID（外部不透明标识）
	Email                 string     `gorm:"type:varchar(255)" json:"email"`                                    // 通知邮箱
	Credits               int64      `gorm:"not null;default:0" json:"credits"`                                 // 积分余额，非负
	Plan                  *string    `gorm:"type:varchar(64)" json:"plan"`                                      // 当前套餐
	SubscriptionStatus    string     `gorm:"type:varchar(20);not null;default:none" json:"subscription_status"` // 订阅状态
	SubscriptionRef       *string    `gorm:"type:varchar(128);index" json:"subscription_ref"`                   // 支付方订阅ID
	SubscriptionPeriodEnd *time.Time `json:"subscription_period_end"`                                           // 当前订阅周期结束时间
	ReferredBy            string     `gorm:"type:varchar(64)" json:"referred_by"`                               // 邀请人用户ID
	Version               int        `gorm:"not null;default:0" json:"version"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// StringPtr 可空字符串列的赋值辅助
func StringPtr(s string) *string {
	return &s
}
