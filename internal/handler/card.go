package handler

import (
	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// CreateCardRequest 开卡请求，user_id 为空时给自己开卡
type CreateCardRequest struct {
	UserID   int64           `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"omitempty,len=3"`
	ExpDate  string          `json:"exp_date"`
	Remark   string          `json:"remark" binding:"max=256"`
}

// CreateCard 开卡
// POST /api/v1/cards
func (h *Handler) CreateCard(c *gin.Context) {
	var req CreateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	card, err := h.cards.CreateCard(c.Request.Context(), actorFrom(c), service.CreateCardInput{
		OwnerID:  req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		ExpDate:  req.ExpDate,
		Remark:   req.Remark,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, card)
}

// CardAmountRequest 卡充值 / 提现请求
type CardAmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RechargeCard 卡充值
// POST /api/v1/cards/:cardId/recharge
func (h *Handler) RechargeCard(c *gin.Context) {
	var req CardAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	card, err := h.cards.RechargeCard(c.Request.Context(), actorFrom(c), c.Param("cardId"), req.Amount)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, card)
}

// WithdrawCard 卡提现
// POST /api/v1/cards/:cardId/withdraw
func (h *Handler) WithdrawCard(c *gin.Context) {
	var req CardAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	card, err := h.cards.WithdrawCard(c.Request.Context(), actorFrom(c), c.Param("cardId"), req.Amount)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, card)
}

// ToggleFreeze 冻结 / 解冻
// POST /api/v1/cards/:cardId/toggle-freeze
func (h *Handler) ToggleFreeze(c *gin.Context) {
	card, err := h.cards.ToggleFreeze(c.Request.Context(), actorFrom(c), c.Param("cardId"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, card)
}

// ReleaseCard 销卡
// DELETE /api/v1/cards/:cardId
func (h *Handler) ReleaseCard(c *gin.Context) {
	res, err := h.cards.ReleaseCard(c.Request.Context(), actorFrom(c), c.Param("cardId"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, res)
}
