package handler

import (
	"context"

	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type remediation func(ctx context.Context, txnID string) (*service.WithdrawalResult, error)

// RetryWithdrawal 人工重试出金
// POST /api/v1/transactions/retry-withdrawal/:txnId
func (h *Handler) RetryWithdrawal(c *gin.Context) {
	h.remediate(c, "retry_withdrawal", h.compensator.RetryWithdrawal)
}

// CompensationRecharge 补偿充值
// POST /api/v1/transactions/compensation-recharge/:txnId
func (h *Handler) CompensationRecharge(c *gin.Context) {
	h.remediate(c, "compensation_recharge", h.compensator.CompensationRecharge)
}

// FreePass 放行
// POST /api/v1/transactions/free-pass/:txnId
func (h *Handler) FreePass(c *gin.Context) {
	h.remediate(c, "free_pass", h.compensator.FreePass)
}

// remediate 只有交易所属用户的管理员可以操作
func (h *Handler) remediate(c *gin.Context, action string, fn remediation) {
	ctx := c.Request.Context()
	txnID := c.Param("txnId")
	actor := actorFrom(c)

	txn, err := h.store.GetTransactionByTxnID(ctx, txnID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	owner, err := h.store.GetUser(ctx, txn.UserID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if !service.CanOperateOn(actor, owner, service.ActionRemediate) {
		writeError(c, h.log, service.ErrForbidden)
		return
	}

	res, err := fn(ctx, txnID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.log.Info("人工处理交易", "action", action, "txn_id", txnID, "operator_id", actor.ID,
		"withdrawal_status", res.WithdrawalStatus)
	response.Success(c, res)
}
