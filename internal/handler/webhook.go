package handler

import (
	"encoding/json"
	"errors"

	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthCallback 渠道授权回调
// POST /webhook/card/auth-callback
//
// 重复推送与停用用户返回 200 + 业务码，渠道据此停止重推；
// 其他失败返回非 2xx，由渠道重推或批量同步兜底。
func (h *Handler) AuthCallback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	var rec provider.AuthRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		response.ParamError(c, "报文格式错误: "+err.Error())
		return
	}

	txn, err := h.reconciler.IngestAuthorization(c.Request.Context(), rec, string(raw))
	if err != nil {
		h.webhookError(c, rec.TxnID, err)
		return
	}
	outcome := service.OutcomeInserted
	if txn.TxnType == model.TxnTypeAuth && txn.IsSettled {
		outcome = service.OutcomeCovered
	}
	response.Success(c, gin.H{
		"txn_id":            txn.TxnID,
		"outcome":           outcome,
		"withdrawal_status": txn.WithdrawalStatus,
	})
}

// SettleCallback 渠道清算回调
// POST /webhook/card/settle-callback
func (h *Handler) SettleCallback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}
	var rec provider.SettleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		response.ParamError(c, "报文格式错误: "+err.Error())
		return
	}

	txn, outcome, err := h.reconciler.IngestSettlement(c.Request.Context(), rec, string(raw))
	if err != nil {
		h.webhookError(c, rec.TxnID, err)
		return
	}
	response.Success(c, gin.H{
		"txn_id":     txn.TxnID,
		"settle_txn": rec.TxnID,
		"outcome":    outcome,
		"final_amt":  txn.FinalAmt.StringFixed(2),
	})
}

func (h *Handler) webhookError(c *gin.Context, txnID string, err error) {
	switch {
	case errors.Is(err, service.ErrDuplicateTransaction):
		h.log.Info("[Webhook] 重复推送", "txn_id", txnID)
		response.Error(c, response.CodeDuplicateTransaction, "交易已存在")
	case errors.Is(err, service.ErrAlreadySettled):
		h.log.Info("[Webhook] 交易已清算", "txn_id", txnID)
		response.Error(c, response.CodeAlreadySettled, "交易已清算")
	case errors.Is(err, service.ErrUserInactive):
		h.log.Warn("[Webhook] 卡主已停用，交易未入库", "txn_id", txnID)
		response.Error(c, response.CodeUserInactive, "用户已停用")
	default:
		h.log.Error("[Webhook] 回调处理失败", "txn_id", txnID, "error", err)
		writeError(c, h.log, err)
	}
}
