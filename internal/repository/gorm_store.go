package repository

import (
	"context"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GormStore 基于 gorm 的 Store 实现，MySQL 与 PostgreSQL 共用
type GormStore struct {
	db           *gorm.DB
	users        *UserRepository
	flows        *AccountFlowRepository
	cards        *CardRepository
	opLogs       *OperationLogRepository
	transactions *CardTransactionRepository
	outbox       *OutboxRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		users:        NewUserRepository(db),
		flows:        NewAccountFlowRepository(db),
		cards:        NewCardRepository(db),
		opLogs:       NewOperationLogRepository(db),
		transactions: NewCardTransactionRepository(db),
		outbox:       NewOutboxRepository(db),
	}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
}

func (s *GormStore) CreateUser(ctx context.Context, user *model.User) error {
	return s.users.Create(ctx, user)
}

func (s *GormStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *GormStore) GetUserForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return s.users.GetByIDForUpdate(ctx, id)
}

func (s *GormStore) UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	return s.users.UpdateBalance(ctx, id, balance)
}

func (s *GormStore) CreateAccountFlow(ctx context.Context, flow *model.AccountFlow) error {
	return s.flows.Create(ctx, flow)
}

func (s *GormStore) SumFlowsByTarget(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	return s.flows.SumByTarget(ctx, userID, types)
}

func (s *GormStore) SumFlowsByOperator(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	return s.flows.SumByOperator(ctx, userID, types)
}

func (s *GormStore) ListFlowsByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountFlow, int64, error) {
	return s.flows.ListByUser(ctx, userID, page, pageSize)
}

func (s *GormStore) CreateCard(ctx context.Context, card *model.VirtualCard) error {
	return s.cards.Create(ctx, card)
}

func (s *GormStore) GetCardByCardID(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	return s.cards.GetByCardID(ctx, cardID)
}

func (s *GormStore) GetCardForUpdate(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	return s.cards.GetByCardIDForUpdate(ctx, cardID)
}

func (s *GormStore) ListActiveCardIDs(ctx context.Context, userID int64) ([]string, error) {
	return s.cards.ListActiveCardIDs(ctx, userID)
}

func (s *GormStore) UpdateCardStatus(ctx context.Context, cardID, status string) error {
	return s.cards.UpdateStatus(ctx, cardID, status)
}

func (s *GormStore) SetCardBalance(ctx context.Context, cardID string, balance decimal.Decimal) error {
	return s.cards.SetBalance(ctx, cardID, balance)
}

func (s *GormStore) AdjustCardBalance(ctx context.Context, cardID string, delta decimal.Decimal) error {
	return s.cards.AdjustBalance(ctx, cardID, delta)
}

func (s *GormStore) CreateOperationLog(ctx context.Context, log *model.OperationLog) error {
	return s.opLogs.Create(ctx, log)
}

func (s *GormStore) SumOperationLogs(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	return s.opLogs.SumByCards(ctx, cardIDs)
}

func (s *GormStore) CreateCardTransaction(ctx context.Context, txn *model.CardTransaction) error {
	return s.transactions.Create(ctx, txn)
}

func (s *GormStore) GetTransactionByTxnID(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	return s.transactions.GetByTxnID(ctx, txnID)
}

func (s *GormStore) GetTransactionForUpdate(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	return s.transactions.GetByTxnIDForUpdate(ctx, txnID)
}

func (s *GormStore) TransactionExists(ctx context.Context, txnID string) (bool, error) {
	return s.transactions.Exists(ctx, txnID)
}

func (s *GormStore) FindSettlementByAuthTxnID(ctx context.Context, authTxnID string) (*model.CardTransaction, error) {
	return s.transactions.FindSettlementByAuthTxnID(ctx, authTxnID)
}

func (s *GormStore) SaveCardTransaction(ctx context.Context, txn *model.CardTransaction) error {
	return s.transactions.Save(ctx, txn)
}

func (s *GormStore) UpdateWithdrawalStatus(ctx context.Context, txnID, status string) error {
	return s.transactions.UpdateWithdrawalStatus(ctx, txnID, status)
}

func (s *GormStore) ListStaleWithdrawals(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.CardTransaction, error) {
	return s.transactions.ListStaleWithdrawals(ctx, status, updatedBefore, limit)
}

func (s *GormStore) SumConsumptionByUser(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.transactions.SumConsumptionByUser(ctx, userID)
}

func (s *GormStore) SumConsumptionByCards(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	return s.transactions.SumConsumptionByCards(ctx, cardIDs)
}

func (s *GormStore) CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return s.outbox.Create(ctx, msg)
}

func (s *GormStore) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return s.outbox.GetPendingMessages(ctx, limit)
}

func (s *GormStore) UpdateOutboxStatus(ctx context.Context, id int64, status string) error {
	return s.outbox.UpdateStatus(ctx, id, status)
}

func (s *GormStore) IncrementOutboxRetry(ctx context.Context, id int64) error {
	return s.outbox.IncrementRetryCount(ctx, id)
}

func (s *GormStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	return s.outbox.MarkAsFailed(ctx, id)
}

var _ Store = (*GormStore)(nil)
