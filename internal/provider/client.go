package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardledger/internal/config"

	"github.com/shopspring/decimal"
)

const (
	pathCreateCard   = "/api/card/create"
	pathRechargeCard = "/api/card/recharge"
	pathWithdrawCard = "/api/card/withdraw"
	pathReleaseCard  = "/api/card/release"
	pathFreezeCard   = "/api/card/freeze"
	pathActivateCard = "/api/card/activate"
	pathAuthList     = "/api/txn/auth/list"
	pathSettleList   = "/api/txn/settle/list"
)

// envelope 渠道统一响应
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPClient 渠道 HTTP 客户端
//
// 每个请求带 X-App-Id / X-Timestamp / X-Sign 头，
// X-Sign = hex(HMAC-SHA256(appSecret, appId + timestamp + body))。
type HTTPClient struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	log        *slog.Logger
}

func NewHTTPClient(cfg *config.ProviderConfig, log *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *HTTPClient) CreateCard(ctx context.Context, req CreateCardRequest) (*CreateCardResult, error) {
	var out CreateCardResult
	if err := c.call(ctx, pathCreateCard, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RechargeCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error) {
	var out BalanceResult
	body := map[string]interface{}{"card_id": cardID, "amount": amount, "request_id": requestID}
	if err := c.call(ctx, pathRechargeCard, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) WithdrawCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error) {
	var out BalanceResult
	body := map[string]interface{}{"card_id": cardID, "amount": amount, "request_id": requestID}
	if err := c.call(ctx, pathWithdrawCard, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ReleaseCard(ctx context.Context, cardID, requestID string) (*ReleaseResult, error) {
	var out ReleaseResult
	body := map[string]interface{}{"card_id": cardID, "request_id": requestID}
	if err := c.call(ctx, pathReleaseCard, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FreezeCard(ctx context.Context, cardID string) (*CardStatusResult, error) {
	var out CardStatusResult
	if err := c.call(ctx, pathFreezeCard, map[string]string{"card_id": cardID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ActivateCard(ctx context.Context, cardID string) (*CardStatusResult, error) {
	var out CardStatusResult
	if err := c.call(ctx, pathActivateCard, map[string]string{"card_id": cardID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// listData 列表接口数据：行是按 key_list 顺序排列的数组
type listData struct {
	AuthList   [][]interface{} `json:"auth_list"`
	SettleList [][]interface{} `json:"settle_list"`
	TotalCount int             `json:"total_count"`
	KeyList    []string        `json:"key_list"`
}

func (c *HTTPClient) GetAuthList(ctx context.Context, q ListQuery) (*AuthPage, error) {
	var data listData
	if err := c.call(ctx, pathAuthList, q, &data); err != nil {
		return nil, err
	}
	items := make([]AuthRecord, 0, len(data.AuthList))
	for i, row := range data.AuthList {
		var rec AuthRecord
		if err := decodeRow(data.KeyList, row, &rec); err != nil {
			return nil, fmt.Errorf("%w: auth_list[%d]: %v", ErrProvider, i, err)
		}
		items = append(items, rec)
	}
	return &AuthPage{Items: items, TotalCount: data.TotalCount}, nil
}

func (c *HTTPClient) GetSettleList(ctx context.Context, q ListQuery) (*SettlePage, error) {
	var data listData
	if err := c.call(ctx, pathSettleList, q, &data); err != nil {
		return nil, err
	}
	items := make([]SettleRecord, 0, len(data.SettleList))
	for i, row := range data.SettleList {
		var rec SettleRecord
		if err := decodeRow(data.KeyList, row, &rec); err != nil {
			return nil, fmt.Errorf("%w: settle_list[%d]: %v", ErrProvider, i, err)
		}
		items = append(items, rec)
	}
	return &SettlePage{Items: items, TotalCount: data.TotalCount}, nil
}

func (c *HTTPClient) call(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("编码请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Id", c.appID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Sign", Sign(c.appSecret, c.appID+ts+string(body)))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("渠道请求失败", "path", path, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrProvider, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%w: 读取响应失败: %v", ErrProvider, err)
	}
	c.log.Debug("渠道请求完成", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s: http %d", ErrProvider, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: 响应格式错误: %v", ErrProvider, path, err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s: 数据格式错误: %v", ErrProvider, path, err)
	}
	return nil
}

// Sign HMAC-SHA256 十六进制签名
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Client = (*HTTPClient)(nil)
