package repository

import (
	"context"
	"errors"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CardTransactionRepository struct {
	db *gorm.DB
}

func NewCardTransactionRepository(db *gorm.DB) *CardTransactionRepository {
	return &CardTransactionRepository{db: db}
}

// Create 插入交易；txn_id 唯一索引冲突返回 ErrDuplicateTransaction
func (r *CardTransactionRepository) Create(ctx context.Context, txn *model.CardTransaction) error {
	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func (r *CardTransactionRepository) GetByTxnID(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	var txn model.CardTransaction
	err := r.db.WithContext(ctx).Where("txn_id = ?", txnID).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *CardTransactionRepository) GetByTxnIDForUpdate(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	var txn model.CardTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("txn_id = ?", txnID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// Exists 清算合并后清算流水号记在 settle_txn_id 上，两列都要查
func (r *CardTransactionRepository) Exists(ctx context.Context, txnID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.CardTransaction{}).
		Where("txn_id = ? OR settle_txn_id = ?", txnID, txnID).
		Count(&count).Error
	return count > 0, err
}

// FindSettlementByAuthTxnID 先于授权到达、独立入库的清算
func (r *CardTransactionRepository) FindSettlementByAuthTxnID(ctx context.Context, authTxnID string) (*model.CardTransaction, error) {
	var txn model.CardTransaction
	err := r.db.WithContext(ctx).
		Where("auth_txn_id = ? AND txn_type = ? AND is_settled = ?", authTxnID, model.TxnTypeSettlement, true).
		Order("id ASC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *CardTransactionRepository) Save(ctx context.Context, txn *model.CardTransaction) error {
	return r.db.WithContext(ctx).Save(txn).Error
}

func (r *CardTransactionRepository) UpdateWithdrawalStatus(ctx context.Context, txnID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&model.CardTransaction{}).
		Where("txn_id = ?", txnID).
		Update("withdrawal_status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ListStaleWithdrawals 出金状态停留超过指定时间的交易
func (r *CardTransactionRepository) ListStaleWithdrawals(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.CardTransaction, error) {
	var txns []*model.CardTransaction
	err := r.db.WithContext(ctx).
		Where("withdrawal_status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// SumConsumptionByUser 成功且非撤销授权的 final_amt 之和（带符号）
func (r *CardTransactionRepository) SumConsumptionByUser(ctx context.Context, userID int64) (decimal.Decimal, error) {
	query := r.consumption(ctx).Where("user_id = ?", userID)
	return sumColumn(query, "final_amt")
}

func (r *CardTransactionRepository) SumConsumptionByCards(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	if len(cardIDs) == 0 {
		return decimal.Zero, nil
	}
	query := r.consumption(ctx).Where("card_id IN ?", cardIDs)
	return sumColumn(query, "final_amt")
}

func (r *CardTransactionRepository) consumption(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.CardTransaction{}).
		Where("txn_status = ? AND txn_type <> ?", model.TxnStatusSuccess, model.TxnTypeAuthCancel)
}
