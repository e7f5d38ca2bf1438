package model

import (
	"time"
)

// EventType 归一化后的事件类型（与具体支付方无关）
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.completed"
	EventInvoicePaid         EventType = "invoice.paid"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
)

// 结账会话 metadata 约定
const (
	MetadataUserID           = "user_id"
	MetadataType             = "type"
	MetadataCredits          = "credits"
	MetadataPriceID          = "price_id"
	CheckoutTypeSubscription = "subscription"
)

// BillingInvoiceReasonCycle 周期续费账单
const BillingInvoiceReasonCycle = "subscription_cycle"

// BillingEvent 校验通过的支付方事件
// Type 为空表示不在处理范围内的事件类型，ProviderType 保留原始类型便于日志排查
type BillingEvent struct {
	ID           string
	Type         EventType
	ProviderType string
	Created      time.Time

	Checkout     *CheckoutSession
	Invoice      *Invoice
	Subscription *Subscription
}

// Recognized 是否属于需要处理的事件类型
func (e *BillingEvent) Recognized() bool {
	switch e.Type {
	case EventCheckoutCompleted, EventInvoicePaid, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// CheckoutSession 结账完成事件的载荷
type CheckoutSession struct {
	ID                string
	ClientReferenceID string
	CustomerEmail     string
	SubscriptionRef   string
	Metadata          map[string]string
}

// Invoice 账单支付事件的载荷
type Invoice struct {
	ID              string
	SubscriptionRef string
	BillingReason   string
	AmountPaid      int64
}

// Subscription 订阅对象（事件载荷或回查结果）
type Subscription struct {
	ID               string
	Status           string
	PriceID          string
	Metadata         map[string]string
	CurrentPeriodEnd *time.Time
}
