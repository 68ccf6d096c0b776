package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeConflict      = 409
	CodeServerError   = 500
	CodeProviderError = 502
	CodeBusinessError = 1000
)

const (
	CodeInsufficientBalance  = 1001
	CodeDuplicateTransaction = 1002
	CodeAlreadySettled       = 1003
	CodeUserNotFound         = 1004
	CodeCardNotFound         = 1005
	CodeTransactionNotFound  = 1006
	CodeUserInactive         = 1007
	CodeNotCompensable       = 1008
	CodeWithdrawalInProgress = 1009
	CodeInvalidAmount        = 1010
	CodeInvalidSignature     = 1011
	CodeCardStatusInvalid    = 1012
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error HTTP 200 + 业务码，给 webhook 这类只认 2xx 的调用方
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// Fail 带 HTTP 状态码的失败响应
func Fail(c *gin.Context, status, code int, message string, data interface{}) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, CodeParamError, message, nil)
}

func ServerError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, CodeServerError, message, nil)
}

func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}
