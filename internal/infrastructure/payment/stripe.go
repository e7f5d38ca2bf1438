package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"creditsync/internal/config"
	"creditsync/internal/model"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// SignatureHeader Stripe 签名请求头
const SignatureHeader = "Stripe-Signature"

type retrieveFunc func(ctx context.Context, id string) (*stripe.Subscription, error)

// StripeProcessor 事件校验 + 订阅回查
//
// SECURITY: 签名校验是 webhook 入口唯一的认证手段。
// 未配置 webhook secret 时退化为直接解析 JSON，仅用于本地开发，每个事件都会打 WARN
type StripeProcessor struct {
	webhookSecret string
	retrieve      retrieveFunc
	log           *zap.Logger
}

func NewStripeProcessor(cfg *config.StripeConfig, log *zap.Logger) *StripeProcessor {
	p := &StripeProcessor{
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		log:           log,
	}
	if key := strings.TrimSpace(cfg.SecretKey); key != "" {
		sc := stripe.NewClient(key)
		p.retrieve = func(ctx context.Context, id string) (*stripe.Subscription, error) {
			return sc.V1Subscriptions.Retrieve(ctx, id, nil)
		}
	}
	if p.webhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET 未配置：webhook 签名校验已关闭，事件将被当作可信 JSON 处理，不具备防篡改/防重放能力")
	}
	return p
}

// ParseEvent 校验签名后解析事件；签名校验在解析请求体之前完成
func (p *StripeProcessor) ParseEvent(payload []byte, signature string) (*model.BillingEvent, error) {
	var event stripe.Event

	if p.webhookSecret != "" {
		if strings.TrimSpace(signature) == "" {
			return nil, fmt.Errorf("%w: missing %s header", model.ErrAuthentication, SignatureHeader)
		}
		ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			if isSignatureError(err) {
				return nil, fmt.Errorf("%w: %v", model.ErrAuthentication, err)
			}
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
		}
		event = ev
	} else {
		p.log.Warn("处理未校验签名的 webhook 事件（开发模式）", zap.Int("bytes", len(payload)))
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedPayload, err)
		}
	}

	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: event id is empty", model.ErrMalformedPayload)
	}

	ev := &model.BillingEvent{
		ID:           event.ID,
		ProviderType: string(event.Type),
		Type:         eventTypes[string(event.Type)],
	}
	if event.Created > 0 {
		ev.Created = time.Unix(event.Created, 0).UTC()
	}
	if !ev.Recognized() {
		return ev, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data.object", model.ErrMalformedPayload, event.ID)
	}
	if err := decodeObject(ev, event.Data.Raw); err != nil {
		return nil, err
	}
	return ev, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// FetchSubscription 回查订阅的状态、价格、metadata 和周期结束时间
func (p *StripeProcessor) FetchSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	if p.retrieve == nil {
		return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY 未配置", model.ErrProcessorUnavailable)
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty subscription id", model.ErrMalformedEvent)
	}

	sub, err := p.retrieve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve subscription %s: %v", model.ErrProcessorUnavailable, id, err)
	}
	return subscriptionFromStripe(sub), nil
}

func subscriptionFromStripe(sub *stripe.Subscription) *model.Subscription {
	out := &model.Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return out
}
