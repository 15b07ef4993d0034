// Package smtp 提供可选的 SMTP 入站入口，直接接收发往中继地址的邮件并转发。
package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// 默认限制
const (
	defaultMaxMessageBytes = 10 << 20
	defaultMaxRecipients   = 50
	forwardTimeout         = 60 * time.Second
)

// RelayResolver 查询中继地址是否可用
type RelayResolver interface {
	Resolve(ctx context.Context, relayAddress string) (string, error)
}

// RawForwarder 按信封收件人转发原始邮件
type RawForwarder interface {
	ForwardTo(ctx context.Context, raw []byte, relayAddress string) domain.ForwardResult
}

// Options SMTP 入口配置
type Options struct {
	Addr            string
	Domain          string // EHLO 中宣告的主机名
	RelayDomain     string // 只接收该域名下的收件人
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Backend 实现 go-smtp 的 Backend 接口
//
// 只接收发往本系统中继地址的邮件，其余收件人在 RCPT 阶段以 550 拒绝，
// 因此不会成为开放中继。
type Backend struct {
	relayDomain string
	maxBytes    int64
	resolver    RelayResolver
	forwarder   RawForwarder
	logger      *zap.Logger
}

// NewBackend 创建 SMTP Backend
func NewBackend(opts Options, resolver RelayResolver, forwarder RawForwarder, logger *zap.Logger) *Backend {
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	return &Backend{
		relayDomain: strings.ToLower(opts.RelayDomain),
		maxBytes:    maxBytes,
		resolver:    resolver,
		forwarder:   forwarder,
		logger:      logger.Named("smtp"),
	}
}

// NewServer 创建监听 opts.Addr 的 SMTP 服务器
func NewServer(backend *Backend, opts Options) *gosmtp.Server {
	s := gosmtp.NewServer(backend)
	s.Addr = opts.Addr
	s.Domain = opts.Domain
	s.MaxMessageBytes = backend.maxBytes
	s.MaxRecipients = opts.MaxRecipients
	if s.MaxRecipients <= 0 {
		s.MaxRecipients = defaultMaxRecipients
	}
	s.ReadTimeout = opts.ReadTimeout
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 10 * time.Second
	}
	s.WriteTimeout = opts.WriteTimeout
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 10 * time.Second
	}
	return s
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{backend: b, remote: remote}, nil
}

type session struct {
	backend    *Backend
	remote     string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受处于启用状态的中继地址
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeEmail(strings.Trim(strings.TrimSpace(to), "<>"))

	_, host, ok := strings.Cut(addr, "@")
	if !ok || host == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if host != s.backend.relayDomain {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.backend.resolver.Resolve(ctx, addr); err != nil {
		if errors.Is(err, domain.ErrRelayNotFound) {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
				Message:      "recipient not found",
			}
		}
		s.backend.logger.Warn("recipient lookup failed", zap.String("rcpt", addr), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取邮件内容并逐个收件人转发
//
// 全部收件人都因可重试的原因失败时返回 451，让发送方稍后重投；
// 只要有一个收件人转发成功就接受整封邮件，避免重投造成重复。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	if int64(len(raw)) > s.backend.maxBytes {
		return gosmtp.ErrDataTooLarge
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	retry := 0
	for _, rcpt := range s.recipients {
		result := s.backend.forwarder.ForwardTo(ctx, raw, rcpt)
		if result.Outcome == domain.OutcomeFailed {
			retry++
			s.backend.logger.Warn("smtp forward failed",
				zap.String("rcpt", rcpt),
				zap.String("remote", s.remote),
				zap.Error(result.Err),
			)
		}
	}

	if retry > 0 && retry == len(s.recipients) {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary forwarding failure",
		}
	}
	return nil
}

// Reset 重置状态
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束
func (s *session) Logout() error {
	return nil
}
