package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret-key-for-development-32-chars-long-at-least"
	testKey    = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // 32 字节
)

func setRequired(t *testing.T) {
	t.Setenv("RELAYMAIL_JWT_SECRET", testSecret)
	t.Setenv("RELAYMAIL_ENCRYPTION_KEY", testKey)
	t.Setenv("RELAYMAIL_APP_RELAY_DOMAIN", "Relay.Example.com")
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		setRequired(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "relay.example.com", cfg.App.RelayDomain)
		assert.Equal(t, "no-reply@relay.example.com", cfg.App.FromAddress)
		assert.Equal(t, "RelayMail", cfg.App.Name)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "relaymail", cfg.JWT.Issuer)
		assert.Equal(t, 15*time.Minute, cfg.JWT.AccessExpiry)
		assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshExpiry)
		assert.Equal(t, 5*time.Minute, cfg.Verification.CodeExpiry)
		assert.Equal(t, 3, cfg.Verification.MaxAttempts)
		assert.Equal(t, "@every 30s", cfg.Queue.Schedule)
		assert.Equal(t, 10, cfg.Queue.BatchSize)
		assert.Equal(t, 20*time.Second, cfg.Queue.WaitTime)
		assert.Equal(t, 60*time.Second, cfg.Queue.VisibilityTimeout)
		assert.Equal(t, "mailgun", cfg.Mail.Provider)
		assert.Equal(t, "relay.example.com", cfg.Mail.MailgunDomain)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_SERVER_PORT", "9090")
		t.Setenv("RELAYMAIL_CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")
		t.Setenv("RELAYMAIL_JWT_ACCESS_EXPIRY", "30m")
		t.Setenv("RELAYMAIL_QUEUE_BATCH_SIZE", "50")
		t.Setenv("RELAYMAIL_MAIL_PROVIDER", "SMTP")
		t.Setenv("RELAYMAIL_VERIFICATION_CODE_EXPIRY", "not-a-duration")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, 30*time.Minute, cfg.JWT.AccessExpiry)
		assert.Equal(t, 10, cfg.Queue.BatchSize, "超过 SQS 上限时回落到 10")
		assert.Equal(t, "smtp", cfg.Mail.Provider)
		assert.Equal(t, 5*time.Minute, cfg.Verification.CodeExpiry, "无效时长使用默认值")
	})

	t.Run("JWT密钥过短", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_JWT_SECRET", "short")

		_, err := Load()
		assert.ErrorContains(t, err, "at least 32 characters")
	})

	t.Run("加密密钥长度错误", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_ENCRYPTION_KEY", "c2hvcnQ=")

		_, err := Load()
		assert.ErrorContains(t, err, "encryption.key")
	})

	t.Run("缺少中继域名", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_APP_RELAY_DOMAIN", "")

		_, err := Load()
		assert.ErrorContains(t, err, "relay_domain")
	})

	t.Run("验证码限流必须为正数", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_RATE_LIMIT_CODE_REQUESTS_PER_MINUTE", "0")

		_, err := Load()
		assert.ErrorContains(t, err, "code_requests_per_minute")
	})

	t.Run("不支持的发信方式", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RELAYMAIL_MAIL_PROVIDER", "pigeon")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a ,, b ,"))
	assert.Empty(t, parseList(""))
}
