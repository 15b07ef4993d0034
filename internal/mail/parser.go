package mail

import (
	"bytes"
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"relaymail/backend/internal/domain"
)

const (
	defaultSubject    = "(No Subject)"
	defaultAttachName = "unnamed"
)

var (
	// ErrSenderNotFound 无法确定发件人
	ErrSenderNotFound = domain.NewError(domain.KindParseAmbiguity, "sender address not found")
	// ErrRecipientNotFound 无法确定收件中继地址
	ErrRecipientNotFound = domain.NewError(domain.KindParseAmbiguity, "recipient address not found")
)

// Return-Path 形如 "<a@b>" 或裸地址
var returnPathRegex = regexp.MustCompile(`<(.+?)>|([^\s<>]+@[^\s<>]+)`)

// Parse 解析原始邮件，收件中继地址取自邮件头
func Parse(raw []byte) (*domain.ParsedMessage, error) {
	return ParseFor(raw, "")
}

// ParseFor 解析原始邮件，recipient 非空时作为收件中继地址，不再从邮件头查找
func ParseFor(raw []byte, recipient string) (*domain.ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, domain.NewError(domain.KindParseAmbiguity, fmt.Sprintf("read mime envelope: %v", err))
	}

	sender := senderOf(env)
	if sender == "" {
		return nil, ErrSenderNotFound
	}
	if recipient == "" {
		recipient = recipientOf(env)
	}
	if recipient == "" {
		return nil, ErrRecipientNotFound
	}

	subject := strings.TrimSpace(env.GetHeader("Subject"))
	if subject == "" {
		subject = defaultSubject
	}

	msg := &domain.ParsedMessage{
		Subject:   subject,
		HTMLBody:  env.HTML,
		TextBody:  env.Text,
		Sender:    sender,
		Recipient: recipient,
	}

	for _, group := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, part := range group {
			msg.Attachments = append(msg.Attachments, attachmentOf(part))
		}
	}
	// multipart/related 中没有 Content-Disposition 的图片等落在 OtherParts
	for _, part := range env.OtherParts {
		if passthrough(part) {
			msg.Attachments = append(msg.Attachments, attachmentOf(part))
		}
	}
	return msg, nil
}

func senderOf(env *enmime.Envelope) string {
	if from, err := env.AddressList("From"); err == nil {
		for _, addr := range from {
			if addr.Address != "" {
				return addr.Address
			}
		}
	}

	m := returnPathRegex.FindStringSubmatch(env.GetHeader("Return-Path"))
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}

func recipientOf(env *enmime.Envelope) string {
	to, err := env.AddressList("To")
	if err == nil {
		for _, addr := range to {
			if strings.Contains(addr.Address, "@") {
				return domain.NormalizeEmail(addr.Address)
			}
		}
		return ""
	}

	// 整个头解析失败时逐项解析，跳过无效条目
	for _, entry := range strings.Split(env.GetHeader("To"), ",") {
		addr, err := netmail.ParseAddress(strings.TrimSpace(entry))
		if err != nil {
			continue
		}
		if strings.Contains(addr.Address, "@") {
			return domain.NormalizeEmail(addr.Address)
		}
	}
	return ""
}

// passthrough 判断 OtherParts 中的部件是否需要随转发保留
func passthrough(part *enmime.Part) bool {
	if part.ContentID != "" {
		return true
	}
	contentType := strings.ToLower(part.ContentType)
	return !strings.HasPrefix(contentType, "text/") && !strings.HasPrefix(contentType, "multipart/")
}

func attachmentOf(part *enmime.Part) domain.Attachment {
	name := part.FileName
	if name == "" {
		name = defaultAttachName
	}
	return domain.Attachment{
		Filename:           name,
		Content:            part.Content,
		ContentType:        part.ContentType,
		ContentDisposition: part.Disposition,
		ContentID:          strings.Trim(part.ContentID, "<>"),
	}
}
