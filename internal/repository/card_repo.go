package repository

import (
	"context"
	"errors"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CardRepository struct {
	db *gorm.DB
}

func NewCardRepository(db *gorm.DB) *CardRepository {
	return &CardRepository{db: db}
}

func (r *CardRepository) Create(ctx context.Context, card *model.VirtualCard) error {
	return r.db.WithContext(ctx).Create(card).Error
}

func (r *CardRepository) GetByCardID(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	var card model.VirtualCard
	err := r.db.WithContext(ctx).Where("card_id = ?", cardID).First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// GetByCardIDForUpdate 锁卡行，同一张卡的交易入库按此串行
func (r *CardRepository) GetByCardIDForUpdate(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	var card model.VirtualCard
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("card_id = ?", cardID).
		First(&card).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// ListActiveCardIDs 用户名下未注销的卡
func (r *CardRepository) ListActiveCardIDs(ctx context.Context, userID int64) ([]string, error) {
	var cardIDs []string
	err := r.db.WithContext(ctx).
		Model(&model.VirtualCard{}).
		Where("created_by = ? AND status <> ?", userID, model.CardStatusReleased).
		Pluck("card_id", &cardIDs).Error
	return cardIDs, err
}

func (r *CardRepository) UpdateStatus(ctx context.Context, cardID, status string) error {
	return r.update(ctx, cardID, map[string]interface{}{"status": status})
}

func (r *CardRepository) SetBalance(ctx context.Context, cardID string, balance decimal.Decimal) error {
	return r.update(ctx, cardID, map[string]interface{}{"balance": balance})
}

func (r *CardRepository) AdjustBalance(ctx context.Context, cardID string, delta decimal.Decimal) error {
	return r.update(ctx, cardID, map[string]interface{}{
		"balance": gorm.Expr("balance + ?", delta),
	})
}

func (r *CardRepository) update(ctx context.Context, cardID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.VirtualCard{}).
		Where("card_id = ?", cardID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCardNotFound
	}
	return nil
}
