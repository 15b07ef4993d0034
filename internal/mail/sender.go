package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sesv2types "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaymail/backend/internal/domain"
)

// Sender 把组装好的邮件交给外部投递服务
type Sender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) error
}

// SenderFunc 将函数适配为 Sender
type SenderFunc func(ctx context.Context, msg *domain.OutboundMessage) error

// Send 调用函数本身
func (f SenderFunc) Send(ctx context.Context, msg *domain.OutboundMessage) error { return f(ctx, msg) }

// ========== Mailgun ==========

// MailgunClient mailgun.Mailgun 中发信所需的方法
type MailgunClient interface {
	NewMIMEMessage(body io.ReadCloser, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// MailgunSender 通过 Mailgun MIME 接口投递
type MailgunSender struct {
	client MailgunClient
	logger *zap.Logger
}

// NewMailgunSender 创建 Mailgun 投递器，baseURL 形如 https://api.mailgun.net
func NewMailgunSender(domainName, apiKey, baseURL string, logger *zap.Logger) *MailgunSender {
	mg := mailgun.NewMailgun(domainName, apiKey)
	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		if !strings.HasSuffix(base, "/v3") {
			base += "/v3"
		}
		mg.SetAPIBase(base)
	}
	return NewMailgunSenderWithClient(mg, logger)
}

// NewMailgunSenderWithClient 使用已有客户端创建 Mailgun 投递器
func NewMailgunSenderWithClient(client MailgunClient, logger *zap.Logger) *MailgunSender {
	return &MailgunSender{client: client, logger: logger.Named("mailgun")}
}

// Send 投递邮件
func (s *MailgunSender) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return err
	}
	_, to := SplitDisplayAddress(msg.To)

	m := s.client.NewMIMEMessage(io.NopCloser(bytes.NewReader(raw)), to)
	status, id, err := s.client.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	s.logger.Debug("mailgun accepted message", zap.String("id", id), zap.String("status", status))
	return nil
}

// ========== SES ==========

// SESClient sesv2.Client 中发信所需的方法
type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 SES v2 原始报文接口投递
type SESSender struct {
	client SESClient
	logger *zap.Logger
}

// NewSESSender 创建 SES 投递器
func NewSESSender(client SESClient, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, logger: logger.Named("ses")}
}

// Send 投递邮件
func (s *SESSender) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return err
	}
	_, to := SplitDisplayAddress(msg.To)

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		Destination: &sesv2types.Destination{ToAddresses: []string{to}},
		Content: &sesv2types.EmailContent{
			Raw: &sesv2types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	s.logger.Debug("ses accepted message", zap.String("id", aws.ToString(out.MessageId)))
	return nil
}

// ========== SMTP ==========

// SMTPSender 通过 SMTP 中继投递
type SMTPSender struct {
	addr     string
	auth     sasl.Client
	sendMail func(addr string, a sasl.Client, from string, to []string, r io.Reader) error
}

// NewSMTPSender 创建 SMTP 投递器，用户名为空时不做认证
func NewSMTPSender(addr, username, password string) *SMTPSender {
	var auth sasl.Client
	if username != "" {
		auth = sasl.NewPlainClient("", username, password)
	}
	return &SMTPSender{addr: addr, auth: auth, sendMail: gosmtp.SendMail}
}

// Send 投递邮件，信封发件人为中继地址
func (s *SMTPSender) Send(_ context.Context, msg *domain.OutboundMessage) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return err
	}
	_, from := SplitDisplayAddress(msg.From)
	_, to := SplitDisplayAddress(msg.To)

	if err := s.sendMail(s.addr, s.auth, from, []string{to}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// ========== 开发 ==========

// LogSender 只记录日志不投递，用于本地开发
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender 创建日志投递器
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log_sender")}
}

// Send 记录邮件摘要
func (s *LogSender) Send(_ context.Context, msg *domain.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.Info("outbound message",
		zap.String("to", msg.To),
		zap.String("from", msg.From),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}

// ========== 限速 ==========

// RateLimitedSender 限制外发速率，适配投递服务的每秒配额
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender 包装投递器，perSecond <= 0 时直接返回原投递器
func NewRateLimitedSender(next Sender, perSecond float64) Sender {
	if perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSender{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send 等待令牌后投递
func (s *RateLimitedSender) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limit: %w", err)
	}
	return s.next.Send(ctx, msg)
}
