package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// AppConfig 定义服务自身的标识信息
type AppConfig struct {
	Name        string // 服务名称，出现在转发邮件的发件人和邮件模板中
	RelayDomain string // 中继地址使用的域名，如 "relay.example.com"
	FromAddress string // 系统邮件（验证码、欢迎信）的发件地址
	Development bool   // 开发模式: 使用内存存储和日志发信
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，留空使用内存缓存
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
	PoolSize int    // 连接池大小，默认 10
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥，必须至少 32 字符
	Issuer        string        // JWT 签发者标识，默认 "relaymail"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期（也是会话有效期），默认 7 天
}

// VerificationConfig 定义登录验证码配置
type VerificationConfig struct {
	CodeExpiry  time.Duration // 验证码有效期，默认 5 分钟
	MaxAttempts int           // 最大失败次数，默认 3
}

// EncryptionConfig 定义敏感字段加密配置
type EncryptionConfig struct {
	Key string // base64 编码的 32 字节 AES 密钥
}

// AWSConfig 定义 AWS 访问配置
type AWSConfig struct {
	Region          string
	AccessKeyID     string // 留空时使用默认凭证链
	SecretAccessKey string
	EmailBucket     string // 入站邮件所在的 S3 bucket（通知中缺省时使用）
	QueueURL        string // 入站通知 SQS 队列地址
}

// QueueConfig 定义入站队列轮询配置
type QueueConfig struct {
	Schedule          string        // cron 表达式，默认 "@every 30s"
	BatchSize         int           // 单次最多接收消息数，1-10
	WaitTime          time.Duration // 长轮询等待时间，默认 20 秒
	VisibilityTimeout time.Duration // 可见性超时，必须大于单批最长处理时间，默认 60 秒
	Concurrency       int           // 单批内并发处理的消息数
}

// MailConfig 定义外发邮件配置
type MailConfig struct {
	Provider       string  // 投递方式: mailgun, ses, smtp, log
	SendRate       float64 // 每秒最多外发邮件数，0 表示不限制
	MailgunDomain  string
	MailgunAPIKey  string
	MailgunBaseURL string
	SMTPAddr       string // "host:port"
	SMTPUsername   string
	SMTPPassword   string
}

// SMTPConfig 定义可选的 SMTP 入站入口
type SMTPConfig struct {
	BindAddr        string // 监听地址，如 ":2525"，留空不启动
	Domain          string // EHLO 主机名，默认与中继域名相同
	MaxMessageBytes int64
}

// RateLimitConfig 定义接口限流配置
type RateLimitConfig struct {
	CodeRequestsPerMinute int // 每个客户端每分钟最多请求验证码次数
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server       ServerConfig
	App          AppConfig
	CORS         CORSConfig
	Log          LogConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Verification VerificationConfig
	Encryption   EncryptionConfig
	AWS          AWSConfig
	Queue        QueueConfig
	Mail         MailConfig
	SMTP         SMTPConfig
	RateLimit    RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RELAYMAIL_
// 例如: RELAYMAIL_APP_RELAY_DOMAIN, RELAYMAIL_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("relaymail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		App: AppConfig{
			Name:        v.GetString("app.name"),
			RelayDomain: strings.ToLower(strings.TrimSpace(v.GetString("app.relay_domain"))),
			FromAddress: v.GetString("app.from_address"),
			Development: v.GetBool("app.development"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durationOr(v.GetString("database.conn_max_lifetime"), 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			PoolSize: v.GetInt("redis.pool_size"),
		},
		JWT: JWTConfig{
			Secret:        v.GetString("jwt.secret"),
			Issuer:        v.GetString("jwt.issuer"),
			AccessExpiry:  durationOr(v.GetString("jwt.access_expiry"), 15*time.Minute),
			RefreshExpiry: durationOr(v.GetString("jwt.refresh_expiry"), 7*24*time.Hour),
		},
		Verification: VerificationConfig{
			CodeExpiry:  durationOr(v.GetString("verification.code_expiry"), 5*time.Minute),
			MaxAttempts: v.GetInt("verification.max_attempts"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("encryption.key"),
		},
		AWS: AWSConfig{
			Region:          v.GetString("aws.region"),
			AccessKeyID:     v.GetString("aws.access_key_id"),
			SecretAccessKey: v.GetString("aws.secret_access_key"),
			EmailBucket:     v.GetString("aws.email_bucket"),
			QueueURL:        v.GetString("aws.queue_url"),
		},
		Queue: QueueConfig{
			Schedule:          v.GetString("queue.schedule"),
			BatchSize:         v.GetInt("queue.batch_size"),
			WaitTime:          durationOr(v.GetString("queue.wait_time"), 20*time.Second),
			VisibilityTimeout: durationOr(v.GetString("queue.visibility_timeout"), 60*time.Second),
			Concurrency:       v.GetInt("queue.concurrency"),
		},
		Mail: MailConfig{
			Provider:       strings.ToLower(v.GetString("mail.provider")),
			SendRate:       v.GetFloat64("mail.send_rate"),
			MailgunDomain:  v.GetString("mail.mailgun_domain"),
			MailgunAPIKey:  v.GetString("mail.mailgun_api_key"),
			MailgunBaseURL: v.GetString("mail.mailgun_base_url"),
			SMTPAddr:       v.GetString("mail.smtp_addr"),
			SMTPUsername:   v.GetString("mail.smtp_username"),
			SMTPPassword:   v.GetString("mail.smtp_password"),
		},
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
		},
		RateLimit: RateLimitConfig{
			CodeRequestsPerMinute: v.GetInt("rate_limit.code_requests_per_minute"),
		},
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if cfg.Mail.MailgunDomain == "" {
		cfg.Mail.MailgunDomain = cfg.App.RelayDomain
	}
	if cfg.SMTP.Domain == "" {
		cfg.SMTP.Domain = cfg.App.RelayDomain
	}
	if cfg.App.FromAddress == "" && cfg.App.RelayDomain != "" {
		cfg.App.FromAddress = "no-reply@" + cfg.App.RelayDomain
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("app.name", "RelayMail")
	v.SetDefault("app.relay_domain", "")
	v.SetDefault("app.from_address", "")
	v.SetDefault("app.development", false)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "relaymail")
	v.SetDefault("jwt.access_expiry", "15m")
	v.SetDefault("jwt.refresh_expiry", "168h")
	v.SetDefault("verification.code_expiry", "5m")
	v.SetDefault("verification.max_attempts", 3)
	v.SetDefault("encryption.key", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("queue.schedule", "@every 30s")
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.wait_time", "20s")
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("mail.provider", "mailgun")
	v.SetDefault("mail.send_rate", 14)
	v.SetDefault("mail.mailgun_base_url", "https://api.mailgun.net")
	v.SetDefault("smtp.bind_addr", "")
	v.SetDefault("smtp.max_message_bytes", 10<<20)
	v.SetDefault("rate_limit.code_requests_per_minute", 5)
}

// validate 检查安全相关和业务必需的配置项
func (c *Config) validate() error {
	// 安全检查：禁止使用默认的 JWT secret
	if c.JWT.Secret == "change-me-in-production" {
		return fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set RELAYMAIL_JWT_SECRET environment variable")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	key, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("SECURITY ERROR: encryption.key must be base64 encoded 32 bytes")
	}

	if c.App.RelayDomain == "" {
		return fmt.Errorf("app.relay_domain must not be empty")
	}

	if c.Queue.BatchSize <= 0 || c.Queue.BatchSize > 10 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = c.Queue.BatchSize
	}
	if c.Verification.MaxAttempts <= 0 {
		c.Verification.MaxAttempts = 3
	}
	if c.RateLimit.CodeRequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.code_requests_per_minute must be positive")
	}

	switch c.Mail.Provider {
	case "mailgun", "ses", "smtp", "log":
	default:
		return fmt.Errorf("unsupported mail.provider %q", c.Mail.Provider)
	}
	return nil
}

// durationOr 解析时长字符串，失败时返回默认值
func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 已存在的环境变量优先级更高，不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
