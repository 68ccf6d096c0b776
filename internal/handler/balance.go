package handler

import (
	"context"

	"cardledger/internal/model"
	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// GetDashboard 余额看板
// GET /api/v1/dashboard?user_id=xxx
func (h *Handler) GetDashboard(c *gin.Context) {
	actor := actorFrom(c)
	userID, ok := targetUserID(c, actor)
	if !ok {
		return
	}
	target, err := h.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if !service.CanOperateOn(actor, target, service.ActionView) {
		writeError(c, h.log, service.ErrForbidden)
		return
	}

	data, err := h.projector.GetDashboardData(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":           userID,
		"total_recharge":    data.TotalRecharge.StringFixed(2),
		"total_consumption": data.TotalConsumption.StringFixed(2),
		"card_locked":       data.CardLocked.StringFixed(2),
		"available_amount":  data.AvailableAmount.StringFixed(2),
	})
}

// BalanceRequest 充值 / 扣款 / 转账请求
type BalanceRequest struct {
	UserID      int64           `json:"user_id" binding:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" binding:"max=256"`
}

// Recharge 给下级充值
// POST /api/v1/balance/recharge
func (h *Handler) Recharge(c *gin.Context) {
	h.moveBalance(c, h.ledger.Recharge)
}

// Withdraw 从下级扣回
// POST /api/v1/balance/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	h.moveBalance(c, h.ledger.Withdraw)
}

// Transfer 用户间转账
// POST /api/v1/balance/transfer
func (h *Handler) Transfer(c *gin.Context) {
	h.moveBalance(c, h.ledger.Transfer)
}

type balanceOp func(ctx context.Context, actor *model.User, targetID int64, amount decimal.Decimal, description string) (*model.AccountFlow, error)

func (h *Handler) moveBalance(c *gin.Context, op balanceOp) {
	var req BalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	flow, err := op(c.Request.Context(), actorFrom(c), req.UserID, req.Amount, req.Description)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, flow)
}

// ListFlows 资金流水
// GET /api/v1/balance/flows?user_id=xxx&page=1&page_size=20
func (h *Handler) ListFlows(c *gin.Context) {
	actor := actorFrom(c)
	userID, ok := targetUserID(c, actor)
	if !ok {
		return
	}
	page, err := h.ledger.ListFlows(c.Request.Context(), actor, userID, queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	response.Success(c, page)
}
