package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"creditsync/internal/infrastructure/database"
	"creditsync/internal/model"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeProcessor 请求体即事件ID
type fakeProcessor struct {
	mu       sync.Mutex
	events   map[string]*model.BillingEvent
	subs     map[string]*model.Subscription
	fetchErr error
	onFetch  func()
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		events: make(map[string]*model.BillingEvent),
		subs:   make(map[string]*model.Subscription),
	}
}

func (p *fakeProcessor) add(ev *model.BillingEvent) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[ev.ID] = ev
	return []byte(ev.ID)
}

func (p *fakeProcessor) ParseEvent(payload []byte, _ string) (*model.BillingEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[string(payload)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload", model.ErrMalformedPayload)
	}
	return ev, nil
}

func (p *fakeProcessor) FetchSubscription(_ context.Context, id string) (*model.Subscription, error) {
	if p.onFetch != nil {
		p.onFetch()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", model.ErrProcessorUnavailable, id)
	}
	return sub, nil
}

type stubLocker struct {
	acquired bool
	err      error
}

func (l stubLocker) Acquire(context.Context, string) (func(), bool, error) {
	return func() {}, l.acquired, l.err
}

type fixture struct {
	db         *gorm.DB
	processor  *fakeProcessor
	reconciler *Reconciler
	logs       *observer.ObservedLogs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	plans, err := NewPlanCatalog(nil, "starter")
	if err != nil {
		t.Fatalf("plans: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	processor := newFakeProcessor()
	return &fixture{
		db:         db,
		processor:  processor,
		reconciler: NewReconciler(db, processor, plans, opts, nil, zap.New(core)),
		logs:       logs,
	}
}

func (f *fixture) seed(t *testing.T, account *model.Account) {
	t.Helper()
	if err := f.db.Create(account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func (f *fixture) account(t *testing.T, userID string) *model.Account {
	t.Helper()
	var account model.Account
	if err := f.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return &account
}

func (f *fixture) ledger(t *testing.T, userID string) []model.CreditTransaction {
	t.Helper()
	var rows []model.CreditTransaction
	if err := f.db.Where("user_id = ?", userID).Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	return rows
}

func (f *fixture) outbox(t *testing.T) []model.OutboxMessage {
	t.Helper()
	var rows []model.OutboxMessage
	if err := f.db.Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	return rows
}

func (f *fixture) deliver(t *testing.T, ev *model.BillingEvent) (Result, error) {
	t.Helper()
	return f.reconciler.HandleWebhook(context.Background(), f.processor.add(ev), "sig")
}

func checkoutEvent(id, userID string, metadata map[string]string) *model.BillingEvent {
	md := map[string]string{model.MetadataUserID: userID}
	for k, v := range metadata {
		md[k] = v
	}
	return &model.BillingEvent{
		ID:           id,
		Type:         model.EventCheckoutCompleted,
		ProviderType: "checkout.session.completed",
		Checkout: &model.CheckoutSession{
			ID:              "cs_" + id,
			CustomerEmail:   "buyer@example.com",
			SubscriptionRef: metadata["sub"],
			Metadata:        md,
		},
	}
}

func kafkaOptions() Options {
	return Options{EmailEnabled: true, KafkaEnabled: true, EntitlementTopic: "billing.entitlement", ReferralTopic: "billing.referral"}
}

func TestActivationGrantsPlanCredits(t *testing.T) {
	f := newFixture(t, kafkaOptions())
	f.seed(t, &model.Account{UserID: "user-1", Email: "u1@example.com", Credits: 100, ReferredBy: "user-0"})

	res, err := f.deliver(t, checkoutEvent("evt_act", "user-1", map[string]string{
		model.MetadataType:    model.CheckoutTypeSubscription,
		model.MetadataPriceID: "price_creator_monthly",
		"sub":                 "sub_1",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != model.EventOutcomeProcessed || res.CreditsGranted != 500 || res.Balance != 600 {
		t.Fatalf("unexpected result %+v", res)
	}

	account := f.account(t, "user-1")
	if account.Credits != 600 || account.SubscriptionStatus != model.SubscriptionStatusActive {
		t.Fatalf("unexpected account %+v", account)
	}
	if account.Plan == nil || *account.Plan != "creator" || account.SubscriptionRef == nil || *account.SubscriptionRef != "sub_1" {
		t.Fatalf("plan or ref not set: %+v", account)
	}

	ledger := f.ledger(t, "user-1")
	if len(ledger) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(ledger))
	}
	if ledger[0].Category != model.TransactionCategorySubscriptionGrant || ledger[0].Amount != 500 || ledger[0].ExternalRef != "evt_act" {
		t.Fatalf("unexpected ledger row %+v", ledger[0])
	}
	if ledger[0].BalanceBefore != 100 || ledger[0].BalanceAfter != 600 {
		t.Fatalf("unexpected ledger balances %+v", ledger[0])
	}

	topics := map[string]string{}
	for _, msg := range f.outbox(t) {
		topics[msg.Topic] = msg.Payload
	}
	if !strings.Contains(topics[model.OutboxTopicEmail], `"template":"subscription-welcome"`) ||
		!strings.Contains(topics[model.OutboxTopicEmail], `"to":"buyer@example.com"`) {
		t.Fatalf("unexpected email payload %q", topics[model.OutboxTopicEmail])
	}
	if !strings.Contains(topics["billing.referral"], `"referred_by":"user-0"`) {
		t.Fatalf("expected referral message, got %q", topics["billing.referral"])
	}
	if !strings.Contains(topics["billing.entitlement"], `"balance":600`) {
		t.Fatalf("expected entitlement message, got %q", topics["billing.entitlement"])
	}
}

func TestActivationResolvesPriceFromSubscription(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1"})

	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.processor.subs["sub_9"] = &model.Subscription{ID: "sub_9", Status: "active", PriceID: "price_pro_monthly", CurrentPeriodEnd: &periodEnd}

	res, err := f.deliver(t, checkoutEvent("evt_act", "user-1", map[string]string{
		model.MetadataType: model.CheckoutTypeSubscription,
		"sub":              "sub_9",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.CreditsGranted != 1500 {
		t.Fatalf("expected pro credits, got %+v", res)
	}
	account := f.account(t, "user-1")
	if account.SubscriptionPeriodEnd == nil || !account.SubscriptionPeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected period end %v, got %v", periodEnd, account.SubscriptionPeriodEnd)
	}
	if len(f.outbox(t)) != 0 {
		t.Fatalf("expected no outbox rows with side effects disabled")
	}
}

func TestActivationUnresolvedPriceFallsBackToDefault(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1"})

	res, err := f.deliver(t, checkoutEvent("evt_act", "user-1", map[string]string{
		model.MetadataType:    model.CheckoutTypeSubscription,
		model.MetadataPriceID: "price_legacy",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.CreditsGranted != 300 {
		t.Fatalf("expected starter credits, got %+v", res)
	}
	if plan := f.account(t, "user-1").Plan; plan == nil || *plan != "starter" {
		t.Fatalf("expected fallback plan, got %v", plan)
	}

	warned := f.logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.Bool("plan_fallback", true))
	if warned.Len() != 1 {
		t.Fatalf("expected one fallback warning, got %d", warned.Len())
	}
}

func TestActivationReadBackFailureIsRetryable(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1", Credits: 10})
	f.processor.fetchErr = fmt.Errorf("%w: timeout", model.ErrProcessorUnavailable)

	_, err := f.deliver(t, checkoutEvent("evt_act", "user-1", map[string]string{
		model.MetadataType: model.CheckoutTypeSubscription,
		"sub":              "sub_1",
	}))
	if !errors.Is(err, model.ErrProcessorUnavailable) {
		t.Fatalf("expected processor unavailable, got %v", err)
	}
	if f.account(t, "user-1").Credits != 10 {
		t.Fatalf("balance must not change")
	}
}

func TestCheckoutWithoutUserIsMalformed(t *testing.T) {
	f := newFixture(t, Options{})

	ev := checkoutEvent("evt_bad", "", map[string]string{model.MetadataType: model.CheckoutTypeSubscription})
	if _, err := f.deliver(t, ev); !errors.Is(err, model.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}

	var count int64
	f.db.Model(&model.ProcessedEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("malformed events must not be recorded")
	}
}

func TestCheckoutFallsBackToClientReference(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-ref"})

	ev := checkoutEvent("evt_ref", "", map[string]string{model.MetadataCredits: "40"})
	ev.Checkout.ClientReferenceID = "user-ref"
	res, err := f.deliver(t, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.UserID != "user-ref" || res.Balance != 40 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOneTimePurchase(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.seed(t, &model.Account{
		UserID:             "user-1",
		Email:              "u1@example.com",
		Credits:            20,
		Plan:               model.StringPtr("creator"),
		SubscriptionStatus: model.SubscriptionStatusPastDue,
	})

	ev := checkoutEvent("evt_buy", "user-1", map[string]string{model.MetadataCredits: "250", model.MetadataPriceID: "price_pack_250"})
	ev.Checkout.CustomerEmail = ""
	res, err := f.deliver(t, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.CreditsGranted != 250 || res.Balance != 270 {
		t.Fatalf("unexpected result %+v", res)
	}

	account := f.account(t, "user-1")
	if account.SubscriptionStatus != model.SubscriptionStatusPastDue || *account.Plan != "creator" {
		t.Fatalf("purchase must not touch subscription fields: %+v", account)
	}
	ledger := f.ledger(t, "user-1")
	if len(ledger) != 1 || ledger[0].Category != model.TransactionCategoryOneTimePurchase || ledger[0].ExternalRef != "cs_evt_buy" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	outbox := f.outbox(t)
	if len(outbox) != 1 || !strings.Contains(outbox[0].Payload, `"to":"u1@example.com"`) ||
		!strings.Contains(outbox[0].Payload, `"template":"credit-purchase"`) {
		t.Fatalf("unexpected outbox %+v", outbox)
	}
}

func TestOneTimePurchaseRejectsBadCredits(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1"})

	for i, credits := range []string{"", "0", "-5", "abc"} {
		ev := checkoutEvent(fmt.Sprintf("evt_bad_%d", i), "user-1", map[string]string{model.MetadataCredits: credits})
		if _, err := f.deliver(t, ev); !errors.Is(err, model.ErrMalformedEvent) {
			t.Fatalf("credits %q: expected malformed event, got %v", credits, err)
		}
	}
	if f.account(t, "user-1").Credits != 0 {
		t.Fatalf("balance must not change")
	}
}

func invoiceEvent(id, subRef, reason string) *model.BillingEvent {
	return &model.BillingEvent{
		ID:           id,
		Type:         model.EventInvoicePaid,
		ProviderType: "invoice.paid",
		Invoice:      &model.Invoice{ID: "in_" + id, SubscriptionRef: subRef, BillingReason: reason},
	}
}

func activeAccount(userID, ref string, credits int64) *model.Account {
	return &model.Account{
		UserID:             userID,
		Credits:            credits,
		Plan:               model.StringPtr("starter"),
		SubscriptionStatus: model.SubscriptionStatusActive,
		SubscriptionRef:    model.StringPtr(ref),
	}
}

func TestRenewalGrantsCycleCredits(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.seed(t, activeAccount("user-1", "sub_1", 50))

	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.processor.subs["sub_1"] = &model.Subscription{
		ID: "sub_1", Status: "active", PriceID: "price_starter_monthly",
		Metadata: map[string]string{model.MetadataUserID: "user-1"}, CurrentPeriodEnd: &periodEnd,
	}

	res, err := f.deliver(t, invoiceEvent("evt_renew", "sub_1", model.BillingInvoiceReasonCycle))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.CreditsGranted != 300 || res.Balance != 350 {
		t.Fatalf("unexpected result %+v", res)
	}

	account := f.account(t, "user-1")
	if account.SubscriptionStatus != model.SubscriptionStatusActive {
		t.Fatalf("renewal must not change status, got %s", account.SubscriptionStatus)
	}
	if account.SubscriptionPeriodEnd == nil || !account.SubscriptionPeriodEnd.Equal(periodEnd) {
		t.Fatalf("period end not refreshed: %v", account.SubscriptionPeriodEnd)
	}
	ledger := f.ledger(t, "user-1")
	if len(ledger) != 1 || ledger[0].Category != model.TransactionCategoryRenewalGrant || ledger[0].Amount != 300 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
	if len(f.outbox(t)) != 0 {
		t.Fatalf("renewal sends no email")
	}
}

func TestRenewalResolvesUserFromSubscriptionRef(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, activeAccount("user-1", "sub_1", 0))
	f.processor.subs["sub_1"] = &model.Subscription{ID: "sub_1", Status: "active", PriceID: "price_starter_monthly"}
	f.processor.subs["sub_orphan"] = &model.Subscription{ID: "sub_orphan", Status: "active", PriceID: "price_starter_monthly"}

	res, err := f.deliver(t, invoiceEvent("evt_renew", "sub_1", model.BillingInvoiceReasonCycle))
	if err != nil || res.UserID != "user-1" || res.Balance != 300 {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}

	if _, err := f.deliver(t, invoiceEvent("evt_orphan", "sub_orphan", model.BillingInvoiceReasonCycle)); !errors.Is(err, model.ErrMalformedEvent) {
		t.Fatalf("expected malformed event for orphan subscription, got %v", err)
	}
}

func TestRenewalSkipsUnresolvedPrice(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, activeAccount("user-1", "sub_1", 80))
	f.processor.subs["sub_1"] = &model.Subscription{
		ID: "sub_1", Status: "active", PriceID: "price_legacy",
		Metadata: map[string]string{model.MetadataUserID: "user-1"},
	}

	res, err := f.deliver(t, invoiceEvent("evt_renew", "sub_1", model.BillingInvoiceReasonCycle))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != model.EventOutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if f.account(t, "user-1").Credits != 80 || len(f.ledger(t, "user-1")) != 0 {
		t.Fatalf("skipped renewal must not change balance")
	}

	var recorded model.ProcessedEvent
	if err := f.db.Where("event_id = ?", "evt_renew").First(&recorded).Error; err != nil || recorded.Outcome != model.EventOutcomeSkipped {
		t.Fatalf("expected skipped event recorded, got %+v err=%v", recorded, err)
	}
}

func TestFirstInvoiceIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.deliver(t, invoiceEvent("evt_first", "sub_1", "subscription_create"))
	if err != nil || res.Outcome != model.EventOutcomeIgnored {
		t.Fatalf("expected ignored, got %+v err=%v", res, err)
	}
}

func subscriptionEvent(id string, typ model.EventType, subID, status string) *model.BillingEvent {
	return &model.BillingEvent{
		ID:           id,
		Type:         typ,
		ProviderType: "customer." + string(typ),
		Subscription: &model.Subscription{ID: subID, Status: status},
	}
}

func TestSubscriptionStatusLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, activeAccount("user-1", "sub_1", 400))

	res, err := f.deliver(t, subscriptionEvent("evt_u1", model.EventSubscriptionUpdated, "sub_1", "past_due"))
	if err != nil || res.Outcome != model.EventOutcomeProcessed {
		t.Fatalf("update: %+v err=%v", res, err)
	}
	if got := f.account(t, "user-1").SubscriptionStatus; got != model.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %s", got)
	}

	if _, err := f.deliver(t, subscriptionEvent("evt_u2", model.EventSubscriptionUpdated, "sub_1", "unpaid")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := f.account(t, "user-1").SubscriptionStatus; got != model.SubscriptionStatusInactive {
		t.Fatalf("expected inactive, got %s", got)
	}

	if _, err := f.deliver(t, subscriptionEvent("evt_u3", model.EventSubscriptionUpdated, "sub_1", "active")); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err = f.deliver(t, subscriptionEvent("evt_del", model.EventSubscriptionDeleted, "sub_1", "canceled"))
	if err != nil || res.Outcome != model.EventOutcomeProcessed {
		t.Fatalf("delete: %+v err=%v", res, err)
	}
	account := f.account(t, "user-1")
	if account.SubscriptionStatus != model.SubscriptionStatusCanceled || account.SubscriptionRef != nil || account.Credits != 400 {
		t.Fatalf("unexpected canceled account %+v", account)
	}

	// 取消后迟到的状态事件不能重新激活
	res, err = f.deliver(t, subscriptionEvent("evt_late", model.EventSubscriptionUpdated, "sub_1", "active"))
	if err != nil || res.Outcome != model.EventOutcomeUnmatched {
		t.Fatalf("expected unmatched, got %+v err=%v", res, err)
	}
	if got := f.account(t, "user-1").SubscriptionStatus; got != model.SubscriptionStatusCanceled {
		t.Fatalf("canceled account was reactivated: %s", got)
	}
}

func TestReplayedEventIsAppliedOnce(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.seed(t, &model.Account{UserID: "user-1", Credits: 100})

	ev := checkoutEvent("evt_once", "user-1", map[string]string{
		model.MetadataType:    model.CheckoutTypeSubscription,
		model.MetadataPriceID: "price_creator_monthly",
	})
	if _, err := f.deliver(t, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := f.deliver(t, ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != model.EventOutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if f.account(t, "user-1").Credits != 600 || len(f.ledger(t, "user-1")) != 1 || len(f.outbox(t)) != 1 {
		t.Fatalf("replay changed state")
	}
}

// pruneProcessedEvents 模拟保留期清理后支付方再次投递
func (f *fixture) pruneProcessedEvents(t *testing.T) {
	t.Helper()
	if err := f.db.Where("1 = 1").Delete(&model.ProcessedEvent{}).Error; err != nil {
		t.Fatalf("prune processed events: %v", err)
	}
}

func TestPurchaseReplayAfterPruneIsDuplicate(t *testing.T) {
	f := newFixture(t, Options{EmailEnabled: true})
	f.seed(t, &model.Account{UserID: "user-1", Email: "u1@example.com", Credits: 50})

	ev := checkoutEvent("evt_buy", "user-1", map[string]string{model.MetadataCredits: "100"})
	if _, err := f.deliver(t, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	f.pruneProcessedEvents(t)

	res, err := f.deliver(t, ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != model.EventOutcomeDuplicate || res.CreditsGranted != 0 {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if got := f.account(t, "user-1").Credits; got != 150 {
		t.Fatalf("expected 150 credits, got %d", got)
	}
	if n := len(f.ledger(t, "user-1")); n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
	if n := len(f.outbox(t)); n != 1 {
		t.Fatalf("replay must not enqueue side effects, got %d outbox rows", n)
	}
}

func TestActivationReplayAfterPruneIsDuplicate(t *testing.T) {
	f := newFixture(t, kafkaOptions())
	f.seed(t, &model.Account{UserID: "user-1", Email: "u1@example.com", Credits: 150, ReferredBy: "user-0"})

	ev := checkoutEvent("evt_act_once", "user-1", map[string]string{
		model.MetadataType:    model.CheckoutTypeSubscription,
		model.MetadataPriceID: "price_creator_monthly",
	})
	if _, err := f.deliver(t, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outboxBefore := len(f.outbox(t))
	f.pruneProcessedEvents(t)

	res, err := f.deliver(t, ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != model.EventOutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if got := f.account(t, "user-1").Credits; got != 650 {
		t.Fatalf("expected 650 credits, got %d", got)
	}
	if n := len(f.ledger(t, "user-1")); n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
	if n := len(f.outbox(t)); n != outboxBefore {
		t.Fatalf("replay must not enqueue side effects, got %d outbox rows, want %d", n, outboxBefore)
	}
}

// 已处理事件在 Exists 检查之后、事务提交之前出现（并发投递先提交），整个事务回滚
func TestEventRecordedDuringProcessingRollsBack(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1", Credits: 10})
	f.processor.subs["sub_1"] = &model.Subscription{ID: "sub_1", Status: "active", PriceID: "price_pro_monthly"}
	f.processor.onFetch = func() {
		err := f.db.Create(&model.ProcessedEvent{
			EventID:   "evt_late",
			EventType: "checkout.session.completed",
			Outcome:   model.EventOutcomeProcessed,
		}).Error
		if err != nil {
			t.Errorf("record event: %v", err)
		}
	}

	res, err := f.deliver(t, checkoutEvent("evt_late", "user-1", map[string]string{
		model.MetadataType: model.CheckoutTypeSubscription,
		"sub":              "sub_1",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != model.EventOutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	account := f.account(t, "user-1")
	if account.Credits != 10 || account.SubscriptionStatus != model.SubscriptionStatusNone {
		t.Fatalf("transaction not rolled back: %+v", account)
	}
	if n := len(f.ledger(t, "user-1")); n != 0 {
		t.Fatalf("expected no ledger rows, got %d", n)
	}
}

func TestGrantIncrementsBalanceInDatabase(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1", Credits: 5})

	var (
		mu    sync.Mutex
		stmts []string
	)
	err := f.db.Callback().Update().After("gorm:update").Register("test:capture_update", func(tx *gorm.DB) {
		if tx.Statement.Table != (model.Account{}).TableName() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		stmts = append(stmts, tx.Statement.SQL.String())
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if _, err := f.deliver(t, checkoutEvent("evt_sql", "user-1", map[string]string{model.MetadataCredits: "7"})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stmts) != 1 || !strings.Contains(stmts[0], "credits + ?") {
		t.Fatalf("expected a single server-side increment, got %q", stmts)
	}
}

func TestResubscribeDoesNotRepeatReferral(t *testing.T) {
	f := newFixture(t, kafkaOptions())
	f.seed(t, &model.Account{
		UserID:             "user-1",
		Email:              "u1@example.com",
		ReferredBy:         "user-0",
		SubscriptionStatus: model.SubscriptionStatusCanceled,
	})

	res, err := f.deliver(t, checkoutEvent("evt_resub", "user-1", map[string]string{
		model.MetadataType:    model.CheckoutTypeSubscription,
		model.MetadataPriceID: "price_starter_monthly",
	}))
	if err != nil || res.Outcome != model.EventOutcomeProcessed {
		t.Fatalf("handle: %+v err=%v", res, err)
	}
	for _, msg := range f.outbox(t) {
		if msg.Topic == "billing.referral" {
			t.Fatalf("referral re-sent on resubscribe: %+v", msg)
		}
	}
	if f.account(t, "user-1").SubscriptionStatus != model.SubscriptionStatusActive {
		t.Fatalf("expected account reactivated")
	}
}

func TestConcurrentDeliveriesOfOneEventGrantOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1"})
	payload := f.processor.add(checkoutEvent("evt_race", "user-1", map[string]string{model.MetadataCredits: "100"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig"); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.account(t, "user-1").Credits; got != 100 {
		t.Fatalf("expected 100 credits, got %d", got)
	}
	if n := len(f.ledger(t, "user-1")); n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
}

func TestConcurrentGrantsSum(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, &model.Account{UserID: "user-1", Credits: 5})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		payload := f.processor.add(checkoutEvent(fmt.Sprintf("evt_%d", i), "user-1", map[string]string{
			model.MetadataCredits: fmt.Sprintf("%d", i+1),
		}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reconciler.HandleWebhook(context.Background(), payload, "sig"); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	// 5 + (1+2+...+10)
	if got := f.account(t, "user-1").Credits; got != 60 {
		t.Fatalf("expected 60 credits, got %d", got)
	}
}

func TestEventInFlightIsRejected(t *testing.T) {
	f := newFixture(t, Options{Locker: stubLocker{acquired: false}})
	f.seed(t, &model.Account{UserID: "user-1"})

	_, err := f.deliver(t, checkoutEvent("evt_busy", "user-1", map[string]string{model.MetadataCredits: "10"}))
	if !errors.Is(err, model.ErrEventInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}
	if f.account(t, "user-1").Credits != 0 {
		t.Fatalf("balance must not change")
	}
}

func TestLockerFailureDoesNotBlockProcessing(t *testing.T) {
	f := newFixture(t, Options{Locker: stubLocker{err: errors.New("redis down")}})
	f.seed(t, &model.Account{UserID: "user-1"})

	res, err := f.deliver(t, checkoutEvent("evt_nolock", "user-1", map[string]string{model.MetadataCredits: "10"}))
	if err != nil || res.Balance != 10 {
		t.Fatalf("expected processing without lock, got %+v err=%v", res, err)
	}
}

func TestMissingAccountIsStoreError(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.deliver(t, checkoutEvent("evt_ghost", "ghost", map[string]string{model.MetadataCredits: "10"}))
	if !errors.Is(err, model.ErrAccountStore) {
		t.Fatalf("expected account store error, got %v", err)
	}
}

func TestUnrecognizedEventIsAcknowledged(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.deliver(t, &model.BillingEvent{ID: "evt_other", ProviderType: "charge.refunded"})
	if err != nil || res.Outcome != model.EventOutcomeIgnored {
		t.Fatalf("expected ignored, got %+v err=%v", res, err)
	}
	var count int64
	f.db.Model(&model.ProcessedEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("unrecognized events are not recorded")
	}
}
