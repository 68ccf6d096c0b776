package job

import (
	"context"
	"log/slog"
	"time"

	"cardledger/internal/metrics"
	"cardledger/internal/model"
	"cardledger/internal/repository"
)

// Publisher 消息投递端口，生产环境为 mq.Publisher
type Publisher interface {
	Publish(topic, key, value string) error
}

// OutboxSender 轮询发件箱投递到 Kafka
//
// 至少一次投递：发送成功但标记失败时会重发，消费端需幂等。
// 超过最大重试次数的消息标记 FAILED，不再投递。
type OutboxSender struct {
	store      repository.Store
	publisher  Publisher
	maxRetries int
	metrics    *metrics.Metrics
	log        *slog.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(store repository.Store, publisher Publisher, maxRetries int, m *metrics.Metrics, log *slog.Logger) *OutboxSender {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OutboxSender{
		store:      store,
		publisher:  publisher,
		maxRetries: maxRetries,
		metrics:    m,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.store.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("[OutboxSender] 查询消息失败", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	s.metrics.ObserveOutboxPublish(msg.Topic, err)

	if err == nil {
		if updateErr := s.store.UpdateOutboxStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.log.Error("[OutboxSender] 更新消息状态失败", "id", msg.ID, "error", updateErr)
		} else {
			s.log.Debug("[OutboxSender] 消息发送成功", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey)
		}
		return true
	}

	s.log.Warn("[OutboxSender] 消息发送失败", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey, "error", err)

	if msg.RetryCount+1 >= s.maxRetries {
		if err := s.store.MarkOutboxFailed(ctx, msg.ID); err != nil {
			s.log.Error("[OutboxSender] 标记消息失败状态失败", "id", msg.ID, "error", err)
		} else {
			s.log.Error("[OutboxSender] 消息超过最大重试次数，标记为失败", "id", msg.ID, "topic", msg.Topic, "key", msg.MessageKey)
		}
		return false
	}
	if err := s.store.IncrementOutboxRetry(ctx, msg.ID); err != nil {
		s.log.Error("[OutboxSender] 增加重试次数失败", "id", msg.ID, "error", err)
	}
	return false
}
