package model

// 邮件模板类别
const (
	EmailTemplateSubscriptionWelcome = "subscription-welcome"
	EmailTemplateCreditPurchase      = "credit-purchase"
)

// EmailNotification 邮件类 outbox 消息的载荷
type EmailNotification struct {
	To       string `json:"to"`
	Template string `json:"template"`
	PlanName string `json:"plan_name,omitempty"`
	Price    string `json:"price,omitempty"`
	Credits  int64  `json:"credits"`
	Balance  int64  `json:"balance"`
}

// ReferralCompleted 被邀请用户首次订阅后发出，由邀请奖励服务消费
type ReferralCompleted struct {
	UserID     string `json:"user_id"`
	ReferredBy string `json:"referred_by"`
	Plan       string `json:"plan"`
	EventID    string `json:"event_id"`
}

// EntitlementChanged 积分或套餐变动后发出，供下游刷新缓存
type EntitlementChanged struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Delta    int64  `json:"delta"`
	Balance  int64  `json:"balance"`
	Plan     string `json:"plan,omitempty"`
	Status   string `json:"status,omitempty"`
	EventID  string `json:"event_id"`
}
