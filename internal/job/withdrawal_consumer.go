package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"cardledger/internal/service"

	"github.com/IBM/sarama"
)

// Withdrawer 自动出金执行端口
type Withdrawer interface {
	AutoWithdraw(ctx context.Context, txnID string) error
}

// WithdrawalConsumer 消费自动出金指令
//
// 同一笔交易重复投递由 Compensator 的状态守卫吸收，这里只负责解码和有限重试。
// 重试耗尽后仍提交位点，交易停在 PENDING 等人工重试。
type WithdrawalConsumer struct {
	group      sarama.ConsumerGroup
	topic      string
	withdrawer Withdrawer
	log        *slog.Logger

	maxAttempts  int
	retryBackoff time.Duration
}

func NewWithdrawalConsumer(group sarama.ConsumerGroup, topic string, withdrawer Withdrawer, log *slog.Logger) *WithdrawalConsumer {
	return &WithdrawalConsumer{
		group:        group,
		topic:        topic,
		withdrawer:   withdrawer,
		log:          log,
		maxAttempts:  3,
		retryBackoff: time.Second,
	}
}

// Start 阻塞消费直到 ctx 取消或消费组关闭
func (c *WithdrawalConsumer) Start(ctx context.Context) {
	c.log.Info("[WithdrawalConsumer] 出金消费者启动", "topic", c.topic)

	go func() {
		for err := range c.group.Errors() {
			c.log.Error("[WithdrawalConsumer] 消费组错误", "error", err)
		}
	}()

	for {
		// rebalance 后 Consume 返回，需要重新进入
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				c.log.Info("[WithdrawalConsumer] 消费组已关闭，退出")
				return
			}
			c.log.Error("[WithdrawalConsumer] 消费失败", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.retryBackoff):
			}
		}
		if ctx.Err() != nil {
			c.log.Info("[WithdrawalConsumer] 收到停止信号，任务退出")
			return
		}
	}
}

func (c *WithdrawalConsumer) Stop() error {
	return c.group.Close()
}

func (c *WithdrawalConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *WithdrawalConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *WithdrawalConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if c.handleMessage(sess.Context(), msg) {
				sess.MarkMessage(msg, "")
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// handleMessage 返回是否提交位点；只有 ctx 取消时不提交，交给下一个会话重放
func (c *WithdrawalConsumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var task service.WithdrawalTask
	if err := json.Unmarshal(msg.Value, &task); err != nil || task.TxnID == "" {
		c.log.Error("[WithdrawalConsumer] 消息格式错误，丢弃",
			"partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key), "error", err)
		return true
	}

	for attempt := 1; ; attempt++ {
		err := c.withdrawer.AutoWithdraw(ctx, task.TxnID)
		switch {
		case err == nil:
			return true
		case errors.Is(err, service.ErrTransactionNotFound), errors.Is(err, service.ErrNotCompensable):
			c.log.Warn("[WithdrawalConsumer] 交易不可出金，跳过", "txn_id", task.TxnID, "error", err)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= c.maxAttempts {
			c.log.Error("[WithdrawalConsumer] 出金重试耗尽，等待人工处理",
				"txn_id", task.TxnID, "card_id", task.CardID, "attempts", attempt, "error", err)
			return true
		}
		c.log.Warn("[WithdrawalConsumer] 出金失败，稍后重试", "txn_id", task.TxnID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryBackoff):
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*WithdrawalConsumer)(nil)
