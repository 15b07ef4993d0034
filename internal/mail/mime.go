package mail

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"relaymail/backend/internal/domain"
)

// SplitDisplayAddress 把 "名称 <地址>" 拆成名称和地址，没有尖括号时整体视为地址
func SplitDisplayAddress(value string) (name, address string) {
	value = strings.TrimSpace(value)
	open := strings.LastIndex(value, "<")
	if open < 0 || !strings.HasSuffix(value, ">") {
		return "", value
	}
	return strings.TrimSpace(value[:open]), strings.TrimSpace(value[open+1 : len(value)-1])
}

// BuildMIME 将外发邮件编码为 RFC 5322 报文
func BuildMIME(msg *domain.OutboundMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	fromName, fromAddr := SplitDisplayAddress(msg.From)
	toName, toAddr := SplitDisplayAddress(msg.To)

	builder := enmime.Builder().
		From(fromName, fromAddr).
		To(toName, toAddr).
		Subject(msg.Subject).
		Date(time.Now()).
		Header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(fromAddr))).
		Header("X-Mailer", "RelayMail")

	if msg.ReplyTo != "" {
		replyName, replyAddr := SplitDisplayAddress(msg.ReplyTo)
		builder = builder.ReplyTo(replyName, replyAddr)
	}
	if msg.ResentFrom != "" {
		builder = builder.Header("Resent-From", msg.ResentFrom)
	}
	if msg.TextBody != "" {
		builder = builder.Text([]byte(msg.TextBody))
	}
	if msg.HTMLBody != "" {
		builder = builder.HTML([]byte(msg.HTMLBody))
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if att.ContentID != "" {
			builder = builder.AddInline(att.Content, contentType, att.Filename, att.ContentID)
			continue
		}
		builder = builder.AddAttachment(att.Content, contentType, att.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime message: %w", err)
	}
	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime message: %w", err)
	}
	return buf.Bytes(), nil
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}
