package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/job"
	"cardledger/internal/provider"
	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target  error
	status  int
	code    int
	message string
}

// 业务错误到 HTTP 状态与响应码的唯一映射表
var errorMappings = []errorMapping{
	{service.ErrInsufficientBalance, http.StatusBadRequest, response.CodeInsufficientBalance, "余额不足"},
	{service.ErrInvalidAmount, http.StatusBadRequest, response.CodeInvalidAmount, "金额必须大于 0"},
	{service.ErrInvalidTransaction, http.StatusBadRequest, response.CodeParamError, "交易数据不合法"},
	{service.ErrForbidden, http.StatusForbidden, response.CodeForbidden, "无权操作"},
	{service.ErrUserInactive, http.StatusForbidden, response.CodeUserInactive, "用户已停用"},
	{service.ErrUserNotFound, http.StatusNotFound, response.CodeUserNotFound, "用户不存在"},
	{service.ErrCardNotFound, http.StatusNotFound, response.CodeCardNotFound, "卡不存在"},
	{service.ErrTransactionNotFound, http.StatusNotFound, response.CodeTransactionNotFound, "交易不存在"},
	{service.ErrDuplicateTransaction, http.StatusConflict, response.CodeDuplicateTransaction, "交易已存在"},
	{service.ErrAlreadySettled, http.StatusConflict, response.CodeAlreadySettled, "交易已清算"},
	{service.ErrNotCompensable, http.StatusConflict, response.CodeNotCompensable, "交易不可补偿"},
	{service.ErrWithdrawalInProgress, http.StatusConflict, response.CodeWithdrawalInProgress, "出金处理中"},
	{service.ErrCardStatusInvalid, http.StatusConflict, response.CodeCardStatusInvalid, "卡状态不允许该操作"},
	{lock.ErrLockFailed, http.StatusConflict, response.CodeConflict, "操作繁忙，请稍后重试"},
	{job.ErrUnknownJob, http.StatusNotFound, response.CodeNotFound, "任务不存在"},
	{job.ErrJobRunning, http.StatusConflict, response.CodeConflict, "任务正在运行"},
	{job.ErrInvalidSyncReq, http.StatusBadRequest, response.CodeParamError, "同步参数错误"},
	{provider.ErrProvider, http.StatusBadGateway, response.CodeProviderError, "渠道调用失败"},
}

// writeError 按错误类型返回，未识别的记日志并返回 500
func writeError(c *gin.Context, log *slog.Logger, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		var data interface{}
		var insufficient *service.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			data = gin.H{
				"required":  insufficient.Required.StringFixed(2),
				"available": insufficient.Available.StringFixed(2),
			}
		}
		if m.status >= http.StatusInternalServerError {
			log.Error("请求失败", "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey), "error", err)
		}
		response.Fail(c, m.status, m.code, m.message, data)
		return
	}

	log.Error("请求处理异常", "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey), "error", err)
	response.ServerError(c, "服务器内部错误")
}
