package payment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"creditsync/internal/model"
)

// Stripe 事件类型到内部类型的映射，未列出的类型不处理
var eventTypes = map[string]model.EventType{
	"checkout.session.completed":    model.EventCheckoutCompleted,
	"invoice.paid":                  model.EventInvoicePaid,
	"customer.subscription.updated": model.EventSubscriptionUpdated,
	"customer.subscription.deleted": model.EventSubscriptionDeleted,
}

// 只解析需要的字段；同时兼容新旧两种 API 版本的结构
// （invoice.subscription 迁移到 parent.subscription_details，
// current_period_end 迁移到 subscription item 上）

type checkoutSessionPayload struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID            string          `json:"id"`
	BillingReason string          `json:"billing_reason"`
	AmountPaid    int64           `json:"amount_paid"`
	Subscription  json.RawMessage `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionPayload struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// expandableID 字段可能是字符串ID，也可能是展开后的对象
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// decodeObject 按事件类型解析 data.object
func decodeObject(ev *model.BillingEvent, raw json.RawMessage) error {
	switch ev.Type {
	case model.EventCheckoutCompleted:
		var p checkoutSessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: decode checkout session: %v", model.ErrMalformedPayload, err)
		}
		// 会话ID是单次购买流水的 external_ref，为空时无法去重
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: checkout session id is empty", model.ErrMalformedPayload)
		}
		email := strings.TrimSpace(p.CustomerEmail)
		if email == "" && p.CustomerDetails != nil {
			email = strings.TrimSpace(p.CustomerDetails.Email)
		}
		ev.Checkout = &model.CheckoutSession{
			ID:                p.ID,
			ClientReferenceID: strings.TrimSpace(p.ClientReferenceID),
			CustomerEmail:     email,
			SubscriptionRef:   expandableID(p.Subscription),
			Metadata:          p.Metadata,
		}
	case model.EventInvoicePaid:
		var p invoicePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: decode invoice: %v", model.ErrMalformedPayload, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: invoice id is empty", model.ErrMalformedPayload)
		}
		subRef := expandableID(p.Subscription)
		if subRef == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
			subRef = expandableID(p.Parent.SubscriptionDetails.Subscription)
		}
		ev.Invoice = &model.Invoice{
			ID:              p.ID,
			SubscriptionRef: subRef,
			BillingReason:   p.BillingReason,
			AmountPaid:      p.AmountPaid,
		}
	case model.EventSubscriptionUpdated, model.EventSubscriptionDeleted:
		var p subscriptionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: decode subscription: %v", model.ErrMalformedPayload, err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: subscription id is empty", model.ErrMalformedPayload)
		}
		ev.Subscription = subscriptionFromPayload(&p)
	}
	return nil
}

func subscriptionFromPayload(p *subscriptionPayload) *model.Subscription {
	sub := &model.Subscription{
		ID:       p.ID,
		Status:   p.Status,
		Metadata: p.Metadata,
	}
	periodEnd := p.CurrentPeriodEnd
	if len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		if item.Price != nil {
			sub.PriceID = item.Price.ID
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	sub.CurrentPeriodEnd = unixTime(periodEnd)
	return sub
}
