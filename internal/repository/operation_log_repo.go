package repository

import (
	"context"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OperationLogRepository struct {
	db *gorm.DB
}

func NewOperationLogRepository(db *gorm.DB) *OperationLogRepository {
	return &OperationLogRepository{db: db}
}

func (r *OperationLogRepository) Create(ctx context.Context, log *model.OperationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *OperationLogRepository) SumByCards(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	if len(cardIDs) == 0 {
		return decimal.Zero, nil
	}
	query := r.db.WithContext(ctx).
		Model(&model.OperationLog{}).
		Where("card_id IN ?", cardIDs)
	return sumColumn(query, "amount")
}
