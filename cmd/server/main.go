package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/handler"
	"cardledger/internal/infrastructure/cache"
	"cardledger/internal/infrastructure/database"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/infrastructure/mq"
	"cardledger/internal/job"
	"cardledger/internal/logging"
	"cardledger/internal/metrics"
	"cardledger/internal/provider"
	"cardledger/internal/repository"
	"cardledger/internal/service"
	"cardledger/pkg/idgen"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("CARDLEDGER_CONFIG"); p != "" {
		configPath = p
	}

	// 加载配置
	cfg := config.LoadConfig(configPath)
	logger := logging.New(cfg.Log.Level)
	m := metrics.New()

	// 初始化 ID 生成器
	if err := idgen.Init(1); err != nil {
		log.Fatalf("初始化 ID 生成器失败: %v", err)
	}

	// 初始化数据库
	db, err := database.Open(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	store := repository.NewGormStore(db)

	// 初始化 Redis
	redisClient, err := cache.NewRedis(&cfg.Redis, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer redisClient.Close()
	locker := lock.NewLocker(redisClient, cfg.Business.LockTTL)

	// 初始化 Kafka
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}
	publisher := mq.NewPublisher(producer)
	defer publisher.Close()

	group, err := mq.NewConsumerGroup(&cfg.Kafka)
	if err != nil {
		log.Fatalf("创建 Kafka 消费组失败: %v", err)
	}

	// 业务服务
	client := provider.NewHTTPClient(&cfg.Provider, logging.Component(logger, "provider"))
	projector := service.NewBalanceProjector(store, m, logging.Component(logger, "balance"))
	ledger := service.NewLedgerService(store, locker, projector, logging.Component(logger, "ledger"))
	reconciler := service.NewReconciler(store, cfg.Kafka.Topic, m, logging.Component(logger, "reconciler"))
	compensator := service.NewCompensator(store, client, locker, cfg.Business.WithdrawalTimeout, m, logging.Component(logger, "compensator"))
	cards := service.NewCardService(store, client, locker, projector, cfg.Provider, logging.Component(logger, "card"))

	scheduler, err := job.NewSyncScheduler(reconciler, client, locker, cfg.Scheduler, m, logging.Component(logger, "scheduler"))
	if err != nil {
		log.Fatalf("%v", err)
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store, publisher, cfg.Business.MaxRetryCount, m, logging.Component(logger, "outbox"))
	go outboxSender.Start(ctx)

	consumer := job.NewWithdrawalConsumer(group, cfg.Kafka.Topic.AutoWithdrawal, compensator, logging.Component(logger, "consumer"))
	go consumer.Start(ctx)

	timeoutJob := job.NewWithdrawalTimeoutJob(store, locker, 0, logging.Component(logger, "withdrawal_timeout"))
	go timeoutJob.Start(ctx)

	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("%v", err)
	}

	// 设置路由
	h := handler.NewHandler(handler.Deps{
		Store:       store,
		Ledger:      ledger,
		Projector:   projector,
		Reconciler:  reconciler,
		Compensator: compensator,
		Cards:       cards,
		Scheduler:   scheduler,
		Log:         logging.Component(logger, "http"),
	})
	router := handler.SetupRouter(h, cfg, m)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("服务启动", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", "error", err)
	}

	// 停止后台任务
	scheduler.Stop()
	cancel()
	if err := consumer.Stop(); err != nil {
		logger.Error("关闭消费组异常", "error", err)
	}

	logger.Info("服务已关闭")
}
