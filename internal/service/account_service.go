package service

import (
	"context"
	"errors"

	"creditsync/internal/model"
	"creditsync/internal/repository"

	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("账户不存在")

// AccountService 客服排查用的只读查询（"付了钱没到账"）
type AccountService struct {
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	plans           *PlanCatalog
}

func NewAccountService(db *gorm.DB, plans *PlanCatalog) *AccountService {
	return &AccountService{
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		plans:           plans,
	}
}

func (s *AccountService) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

// TransactionPage 流水分页，LedgerSum 与 Balance 不一致说明存在本服务之外的消耗记录
type TransactionPage struct {
	Items     []*model.CreditTransaction `json:"items"`
	Total     int64                      `json:"total"`
	Page      int                        `json:"page"`
	PageSize  int                        `json:"page_size"`
	LedgerSum int64                      `json:"ledger_sum"`
	Balance   int64                      `json:"balance"`
}

func (s *AccountService) ListTransactions(ctx context.Context, userID string, page, pageSize int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, total, err := s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	sum, err := s.transactionRepo.SumByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &TransactionPage{
		Items:     items,
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
		LedgerSum: sum,
		Balance:   account.Credits,
	}, nil
}

func (s *AccountService) Plans() []model.Plan {
	return s.plans.All()
}

func (s *AccountService) FailedOutboxMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.outboxRepo.GetFailedMessages(ctx, limit)
}

// RequeueOutboxMessage 返回 false 表示消息不存在或不是 FAILED 状态
func (s *AccountService) RequeueOutboxMessage(ctx context.Context, id int64) (bool, error) {
	return s.outboxRepo.Requeue(ctx, id)
}
