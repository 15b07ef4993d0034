package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/auth"
	"relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/logger"
	"relaymail/backend/internal/mail"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/protection"
	"relaymail/backend/internal/queue"
	"relaymail/backend/internal/relay"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/smtp"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/storage/memory"
	"relaymail/backend/internal/storage/postgres"
	"relaymail/backend/internal/storage/redis"
	httptransport "relaymail/backend/internal/transport/http"
)

// main 启动 HTTP API、入站队列轮询与可选的 SMTP 入口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting relaymail server",
		zap.String("relay_domain", cfg.App.RelayDomain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.App.Development),
	)

	metrics := monitoring.NewMetrics(nil)

	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	cache, rdb, err := openCache(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize cache", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	cipher, err := protection.New(cfg.Encryption.Key)
	if err != nil {
		log.Fatal("failed to initialize encryption", zap.Error(err))
	}

	awsCfg, err := loadAWSConfig(cfg.AWS)
	if err != nil {
		log.Fatal("failed to load AWS config", zap.Error(err))
	}

	sender, err := newSender(cfg.Mail, awsCfg, log)
	if err != nil {
		log.Fatal("failed to initialize mail sender", zap.Error(err))
	}
	sender = mail.NewRateLimitedSender(sender, cfg.Mail.SendRate)

	// 中继地址
	resolver := relay.NewResolver(cache, store, cipher, metrics, log)
	registry := relay.NewRegistry(store, resolver, cipher, cfg.App.RelayDomain, log)

	// 登录与会话
	tokens := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry, cfg.JWT.RefreshExpiry)
	guard := auth.NewGuard(tokens, cache, store, metrics, log)
	codes := auth.NewCodeLimiter(cache, cfg.Verification.CodeExpiry, cfg.Verification.MaxAttempts)
	mailer := service.NewNotificationMailer(cfg.App.Name, cfg.App.FromAddress, codes.Expiry(), sender)
	authService := service.NewAuthService(store, cipher, codes, guard, mailer, log)
	relayService := service.NewRelayService(store, registry, log)
	userService := service.NewUserService(store, cipher, codes, cache, guard, registry, mailer, log)

	var codeLimiter middleware.RateLimiter
	if rdb != nil {
		codeLimiter = middleware.NewRedisRateLimiter(rdb.Client(), "ratelimit:", cfg.RateLimit.CodeRequestsPerMinute)
	} else {
		codeLimiter = middleware.NewMemoryRateLimiter(cfg.RateLimit.CodeRequestsPerMinute, 10000)
	}

	checker := health.NewChecker(log)
	checker.AddReadiness("database", health.PingFunc(store.Health))
	checker.AddReadiness("cache", cache)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		AuthService:  authService,
		RelayService: relayService,
		UserService:  userService,
		Guard:        guard,
		CodeLimiter:  codeLimiter,
		CodeExpiry:   codes.Expiry(),
		Metrics:      metrics,
		Health:       checker,
		Logger:       log,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 转发流水线
	fetcher := mail.NewS3Fetcher(s3.NewFromConfig(awsCfg), cfg.AWS.EmailBucket)
	composer := mail.NewComposer(cfg.App.Name, cfg.App.RelayDomain)
	forwarder := queue.NewForwarder(fetcher, resolver, composer, sender, registry, metrics, log)

	var poller *queue.Poller
	if cfg.AWS.QueueURL != "" {
		sqsQueue := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), queue.SQSOptions{
			QueueURL:          cfg.AWS.QueueURL,
			MaxMessages:       cfg.Queue.BatchSize,
			WaitTime:          cfg.Queue.WaitTime,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		})
		consumer := queue.NewConsumer(sqsQueue, forwarder, cfg.Queue.Concurrency, metrics, log)
		poller, err = queue.NewPoller(consumer, cfg.Queue.Schedule, metrics, log)
		if err != nil {
			log.Fatal("failed to create queue poller", zap.Error(err))
		}
	} else {
		log.Warn("aws.queue_url not set, inbound queue polling disabled")
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.BindAddr != "" {
		opts := smtp.Options{
			Addr:            cfg.SMTP.BindAddr,
			Domain:          cfg.SMTP.Domain,
			RelayDomain:     cfg.App.RelayDomain,
			MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		}
		smtpServer = smtp.NewServer(smtp.NewBackend(opts, resolver, forwarder, log), opts)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP ingress",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if poller != nil {
		// 轮询不跟随信号取消，关闭时等待进行中的批次完成
		poller.Start(context.Background())
		log.Info("inbound queue polling started",
			zap.String("queue_url", cfg.AWS.QueueURL),
			zap.String("schedule", cfg.Queue.Schedule),
		)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.VisibilityTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("SMTP server shutdown warning", zap.Error(err))
			}
		}
		if poller != nil {
			if err := poller.Stop(shutdownCtx); err != nil {
				log.Warn("queue poller did not finish in time", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// openStore 配置了数据库时使用 GORM 存储，否则使用内存存储
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Warn("database not configured, using memory storage")
		return memory.NewStore(), nil
	}
	store, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database storage initialized", zap.String("type", cfg.Database.Type))
	return store, nil
}

// openCache 配置了 Redis 时使用 Redis，否则使用内存缓存
func openCache(cfg *config.Config, log *zap.Logger) (storage.Cache, *redis.Client, error) {
	if cfg.Redis.Address == "" {
		log.Warn("redis not configured, using memory cache")
		return memory.NewCache(), nil, nil
	}
	client, err := redis.New(&cfg.Redis, log)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

// loadAWSConfig 配置了访问密钥时使用静态凭证，否则走默认凭证链
func loadAWSConfig(cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		provider := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}
	return awsconfig.LoadDefaultConfig(context.Background(), opts...)
}

// newSender 按 mail.provider 选择投递方式
func newSender(cfg config.MailConfig, awsCfg aws.Config, log *zap.Logger) (mail.Sender, error) {
	switch cfg.Provider {
	case "mailgun":
		if cfg.MailgunAPIKey == "" {
			return nil, errors.New("mail.mailgun_api_key is required for the mailgun provider")
		}
		return mail.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunBaseURL, log), nil
	case "ses":
		return mail.NewSESSender(sesv2.NewFromConfig(awsCfg), log), nil
	case "smtp":
		if cfg.SMTPAddr == "" {
			return nil, errors.New("mail.smtp_addr is required for the smtp provider")
		}
		return mail.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword), nil
	case "log":
		return mail.NewLogSender(log), nil
	default:
		return nil, fmt.Errorf("unsupported mail provider %q", cfg.Provider)
	}
}
