package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditsync/internal/infrastructure/metrics"
	"creditsync/internal/model"
	"creditsync/internal/repository"
	"creditsync/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Processor 支付方：校验并解析 webhook，按需回查订阅
type Processor interface {
	ParseEvent(payload []byte, signature string) (*model.BillingEvent, error)
	FetchSubscription(ctx context.Context, id string) (*model.Subscription, error)
}

// EventLocker 事件级互斥；未启用 Redis 时为 nil
type EventLocker interface {
	Acquire(ctx context.Context, eventID string) (release func(), acquired bool, err error)
}

type Options struct {
	EmailEnabled     bool
	KafkaEnabled     bool
	EntitlementTopic string
	ReferralTopic    string
	Locker           EventLocker
}

// Result 一次 webhook 投递的处理结果
type Result struct {
	EventID        string          `json:"event_id"`
	EventType      model.EventType `json:"event_type"`
	Outcome        string          `json:"outcome"`
	UserID         string          `json:"user_id,omitempty"`
	CreditsGranted int64           `json:"credits_granted"`
	Balance        int64           `json:"balance"`
}

// errDuplicateEvent 事务内发现事件已处理（并发投递），回滚后按重复事件确认
var errDuplicateEvent = errors.New("duplicate billing event")

// Reconciler 计费事件对账
//
// 【核心流程】
// 1. 校验签名并解析事件，未识别的类型直接确认
// 2. 事件锁（可选）+ 已处理事件表，重复投递直接确认
// 3. 回查支付方等远程调用全部在事务之前完成
// 4. 单个事务内：原子加积分 -> 追加流水 -> 更新订阅快照 -> 写 outbox -> 记录事件ID
// 5. 邮件、邀请奖励、权益变更由 OutboxSender 异步投递，失败不影响确认
type Reconciler struct {
	db              *gorm.DB
	processor       Processor
	plans           *PlanCatalog
	opts            Options
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	eventRepo       *repository.ProcessedEventRepository
	outboxRepo      *repository.OutboxRepository
	metrics         *metrics.Metrics
	log             *zap.Logger
}

func NewReconciler(db *gorm.DB, processor Processor, plans *PlanCatalog, opts Options, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	return &Reconciler{
		db:              db,
		processor:       processor,
		plans:           plans,
		opts:            opts,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		eventRepo:       repository.NewProcessedEventRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		metrics:         m,
		log:             log,
	}
}

// HandleWebhook 处理一次 webhook 投递
// 返回的错误按 model 中的哨兵错误分类，由 handler 映射为 HTTP 状态码
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveDuration(time.Since(start).Seconds()) }()

	ev, err := r.processor.ParseEvent(payload, signature)
	if err != nil {
		r.metrics.ObserveEvent("", "rejected")
		r.log.Warn("webhook 事件被拒绝", zap.Error(err))
		return Result{}, err
	}

	res, err := r.handle(ctx, ev)
	if err != nil {
		r.metrics.ObserveEvent(string(ev.Type), "error")
		r.log.Error("处理计费事件失败",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.ProviderType),
			zap.Error(err))
		return res, err
	}

	r.metrics.ObserveEvent(string(ev.Type), res.Outcome)
	r.log.Info("计费事件处理完成",
		zap.String("event_id", res.EventID),
		zap.String("event_type", ev.ProviderType),
		zap.String("outcome", res.Outcome),
		zap.String("user_id", res.UserID),
		zap.Int64("credits_granted", res.CreditsGranted),
		zap.Int64("balance", res.Balance))
	return res, nil
}

func (r *Reconciler) handle(ctx context.Context, ev *model.BillingEvent) (Result, error) {
	res := Result{EventID: ev.ID, EventType: ev.Type}

	if !ev.Recognized() {
		res.Outcome = model.EventOutcomeIgnored
		return res, nil
	}

	if r.opts.Locker != nil {
		release, acquired, err := r.opts.Locker.Acquire(ctx, ev.ID)
		switch {
		case err != nil:
			// Redis 不可用时不阻塞处理，唯一约束兜底
			r.log.Warn("获取事件锁失败，继续处理", zap.String("event_id", ev.ID), zap.Error(err))
		case !acquired:
			return res, fmt.Errorf("%w: %s", model.ErrEventInFlight, ev.ID)
		default:
			defer release()
		}
	}

	seen, err := r.eventRepo.Exists(ctx, ev.ID)
	if err != nil {
		return res, fmt.Errorf("%w: 查询已处理事件失败: %v", model.ErrAccountStore, err)
	}
	if seen {
		res.Outcome = model.EventOutcomeDuplicate
		return res, nil
	}

	switch ev.Type {
	case model.EventCheckoutCompleted:
		if ev.Checkout.Metadata[model.MetadataType] == model.CheckoutTypeSubscription {
			return r.activateSubscription(ctx, ev, res)
		}
		return r.purchaseCredits(ctx, ev, res)
	case model.EventInvoicePaid:
		return r.renewSubscription(ctx, ev, res)
	case model.EventSubscriptionUpdated:
		return r.syncSubscriptionStatus(ctx, ev, res)
	case model.EventSubscriptionDeleted:
		return r.cancelSubscription(ctx, ev, res)
	}

	res.Outcome = model.EventOutcomeIgnored
	return res, nil
}

// commit 在一个事务内执行 fn 并记录事件ID
// 事件ID已存在或流水 external_ref 冲突时整体回滚，结果记为 duplicate
func (r *Reconciler) commit(ctx context.Context, ev *model.BillingEvent, res *Result, fn func(tx *gorm.DB) (string, error)) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, err := fn(tx)
		if err != nil {
			return err
		}

		inserted, err := r.eventRepo.MarkProcessed(ctx, tx, &model.ProcessedEvent{
			EventID:   ev.ID,
			EventType: ev.ProviderType,
			Outcome:   outcome,
		})
		if err != nil {
			return storeError("记录已处理事件失败", err)
		}
		if !inserted {
			return errDuplicateEvent
		}
		res.Outcome = outcome
		return nil
	})

	if errors.Is(err, errDuplicateEvent) {
		r.log.Info("事件已被并发投递处理，按重复事件确认", zap.String("event_id", ev.ID))
		*res = Result{EventID: ev.ID, EventType: ev.Type, Outcome: model.EventOutcomeDuplicate}
		return nil
	}
	return err
}

// grant 入账：原子加积分并追加一条流水，返回入账后的余额
func (r *Reconciler) grant(ctx context.Context, tx *gorm.DB, userID string, amount int64, category, description, externalRef string) (int64, error) {
	before, after, err := r.accountRepo.ApplyCreditDelta(ctx, tx, userID, amount)
	if err != nil {
		return 0, storeError("调整积分失败: user_id="+userID, err)
	}

	inserted, err := r.transactionRepo.Create(ctx, tx, &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Amount:        amount,
		Category:      category,
		Description:   description,
		ExternalRef:   externalRef,
		BalanceBefore: before,
		BalanceAfter:  after,
	})
	if err != nil {
		return 0, storeError("记录积分流水失败", err)
	}
	if !inserted {
		return 0, errDuplicateEvent
	}

	return after, nil
}

func storeError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrAccountStore, msg, err)
}

// checkoutUserID metadata.user_id 优先，其次 client_reference_id
func checkoutUserID(cs *model.CheckoutSession) string {
	if id := cs.Metadata[model.MetadataUserID]; id != "" {
		return id
	}
	return cs.ClientReferenceID
}
