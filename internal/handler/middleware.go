package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"cardledger/internal/config"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID        = "X-Request-ID"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	requestIDKey           = "request_id"
	defaultWebhookMaxSkew  = 300 * time.Second
)

// RequestIDMiddleware 透传或生成请求ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString(requestIDKey),
		}
		if status >= http.StatusInternalServerError {
			log.Error("[HTTP]", attrs...)
			return
		}
		log.Info("[HTTP]", attrs...)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("[PANIC]", "error", err, "path", c.Request.URL.Path,
					"request_id", c.GetString(requestIDKey), "stack", string(debug.Stack()))
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// SignWebhook 签名串为 timestamp + "." + body，HMAC-SHA256 后取十六进制
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignatureMiddleware 校验渠道回调签名，关闭时直接放行
func WebhookSignatureMiddleware(cfg config.WebhookConfig, log *slog.Logger) gin.HandlerFunc {
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = defaultWebhookMaxSkew
	}
	return func(c *gin.Context) {
		if !cfg.SignatureEnabled {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.ParamError(c, "读取请求体失败")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ts := c.GetHeader(HeaderWebhookTimestamp)
		sig := c.GetHeader(HeaderWebhookSignature)
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || sig == "" {
			log.Warn("[Webhook] 缺少签名头", "path", c.Request.URL.Path)
			response.Fail(c, http.StatusUnauthorized, response.CodeInvalidSignature, "缺少签名", nil)
			return
		}
		skew := time.Since(time.Unix(sec, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			log.Warn("[Webhook] 时间戳超出允许范围", "path", c.Request.URL.Path, "timestamp", ts)
			response.Fail(c, http.StatusUnauthorized, response.CodeInvalidSignature, "时间戳过期", nil)
			return
		}
		expected := SignWebhook(cfg.Secret, ts, body)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			log.Warn("[Webhook] 签名不匹配", "path", c.Request.URL.Path)
			response.Fail(c, http.StatusUnauthorized, response.CodeInvalidSignature, "签名错误", nil)
			return
		}
		c.Next()
	}
}
