package repository

import (
	"context"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
)

// Store 存储端口
//
// 业务层只依赖这个接口：生产环境用 gorm 实现，测试用内存实现。
// Transaction 内回调拿到的 tx 与外层共享同一个数据库事务，
// 回调返回 error 时整体回滚。
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserForUpdate(ctx context.Context, id int64) (*model.User, error)
	UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error

	CreateAccountFlow(ctx context.Context, flow *model.AccountFlow) error
	SumFlowsByTarget(ctx context.Context, userID int64, types []string) (decimal.Decimal, error)
	SumFlowsByOperator(ctx context.Context, userID int64, types []string) (decimal.Decimal, error)
	ListFlowsByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountFlow, int64, error)

	CreateCard(ctx context.Context, card *model.VirtualCard) error
	GetCardByCardID(ctx context.Context, cardID string) (*model.VirtualCard, error)
	GetCardForUpdate(ctx context.Context, cardID string) (*model.VirtualCard, error)
	ListActiveCardIDs(ctx context.Context, userID int64) ([]string, error)
	UpdateCardStatus(ctx context.Context, cardID, status string) error
	SetCardBalance(ctx context.Context, cardID string, balance decimal.Decimal) error
	AdjustCardBalance(ctx context.Context, cardID string, delta decimal.Decimal) error

	CreateOperationLog(ctx context.Context, log *model.OperationLog) error
	SumOperationLogs(ctx context.Context, cardIDs []string) (decimal.Decimal, error)

	CreateCardTransaction(ctx context.Context, txn *model.CardTransaction) error
	GetTransactionByTxnID(ctx context.Context, txnID string) (*model.CardTransaction, error)
	GetTransactionForUpdate(ctx context.Context, txnID string) (*model.CardTransaction, error)
	TransactionExists(ctx context.Context, txnID string) (bool, error)
	FindSettlementByAuthTxnID(ctx context.Context, authTxnID string) (*model.CardTransaction, error)
	SaveCardTransaction(ctx context.Context, txn *model.CardTransaction) error
	UpdateWithdrawalStatus(ctx context.Context, txnID, status string) error
	ListStaleWithdrawals(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.CardTransaction, error)
	SumConsumptionByUser(ctx context.Context, userID int64) (decimal.Decimal, error)
	SumConsumptionByCards(ctx context.Context, cardIDs []string) (decimal.Decimal, error)

	CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateOutboxStatus(ctx context.Context, id int64, status string) error
	IncrementOutboxRetry(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error
}
