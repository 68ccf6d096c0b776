package repository

import (
	"context"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountFlowRepository struct {
	db *gorm.DB
}

func NewAccountFlowRepository(db *gorm.DB) *AccountFlowRepository {
	return &AccountFlowRepository{db: db}
}

func (r *AccountFlowRepository) Create(ctx context.Context, flow *model.AccountFlow) error {
	return r.db.WithContext(ctx).Create(flow).Error
}

func (r *AccountFlowRepository) SumByTarget(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	query := r.db.WithContext(ctx).
		Model(&model.AccountFlow{}).
		Where("target_user_id = ? AND operation_type IN ?", userID, types)
	return sumColumn(query, "amount")
}

func (r *AccountFlowRepository) SumByOperator(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	query := r.db.WithContext(ctx).
		Model(&model.AccountFlow{}).
		Where("operator_id = ? AND operation_type IN ?", userID, types)
	return sumColumn(query, "amount")
}

// ListByUser 用户作为操作方或目标方的全部流水
func (r *AccountFlowRepository) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountFlow, int64, error) {
	var flows []*model.AccountFlow
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.AccountFlow{}).
		Where("target_user_id = ? OR operator_id = ?", userID, userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&flows).Error

	return flows, total, err
}

// sumColumn 对查询结果求和，无记录时返回 0
func sumColumn(query *gorm.DB, column string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := query.Select("COALESCE(SUM(" + column + "), 0)").Row().Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
