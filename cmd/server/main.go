package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditsync/internal/config"
	"creditsync/internal/handler"
	"creditsync/internal/infrastructure/cache"
	"creditsync/internal/infrastructure/database"
	"creditsync/internal/infrastructure/lock"
	"creditsync/internal/infrastructure/logger"
	"creditsync/internal/infrastructure/metrics"
	"creditsync/internal/infrastructure/mq"
	"creditsync/internal/infrastructure/notify"
	"creditsync/internal/infrastructure/payment"
	"creditsync/internal/job"
	"creditsync/internal/model"
	"creditsync/internal/service"
	"creditsync/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, cfg.Server.Env, log)
	if err != nil {
		return err
	}

	plans, err := service.NewPlanCatalog(cfg.Plans, cfg.Business.DefaultPlan)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	opts := service.Options{
		EmailEnabled:     cfg.Email.Enabled(),
		KafkaEnabled:     cfg.Kafka.Enabled(),
		EntitlementTopic: cfg.Kafka.Topic.Entitlement,
		ReferralTopic:    cfg.Kafka.Topic.Referral,
	}

	// 初始化 Redis（可选，只用于事件锁和任务锁）
	var locker *lock.EventLocker
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(&cfg.Redis, log)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		locker = lock.NewEventLocker(redisClient, log)
		opts.Locker = locker
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, &cfg.Business, m, log)
	if cfg.Email.Enabled() {
		mailer, err := notify.NewResendMailer(&cfg.Email)
		if err != nil {
			return err
		}
		outboxSender.Route(model.OutboxTopicEmail, mailer)
	} else {
		log.Info("未配置 RESEND_API_KEY，通知邮件已关闭")
	}
	if cfg.Kafka.Enabled() {
		producer, err := mq.NewProducer(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		outboxSender.Route(cfg.Kafka.Topic.Entitlement, producer)
		outboxSender.Route(cfg.Kafka.Topic.Referral, producer)
	}
	go outboxSender.Start(ctx)

	retentionJob := job.NewEventRetentionJob(db, cfg.Business.EventRetentionDays, log)
	if locker != nil {
		retentionJob.SetLocker(locker)
	}
	go retentionJob.Start(ctx)

	processor := payment.NewStripeProcessor(&cfg.Stripe, log)
	reconciler := service.NewReconciler(db, processor, plans, opts, m, log)
	h := handler.NewHandler(reconciler, service.NewAccountService(db, plans), cfg.Business.RetryMalformedEvents, log)

	// 设置路由
	router := handler.SetupRouter(h, &cfg.Server, registry, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.Bool("verify_signatures", cfg.Stripe.VerifySignatures()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 先停止接收请求，再停止后台任务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}
	cancel()

	log.Info("服务已关闭")
	return nil
}
