package mail

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"relaymail/backend/internal/domain"
)

// htmlEscaper 转义 & < > " '
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeHTML 转义 HTML 特殊字符
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// Composer 把入站邮件组装成发往主邮箱的转发邮件
type Composer struct {
	appName  string
	siteURL  string
	stripper *bluemonday.Policy
}

// NewComposer 创建转发邮件组装器
func NewComposer(appName, relayDomain string) *Composer {
	return &Composer{
		appName:  appName,
		siteURL:  "https://" + relayDomain,
		stripper: bluemonday.StrictPolicy(),
	}
}

// Compose 组装转发邮件
//
// 发件人显示为 "<原发件人> [via AppName] <中继地址>"，回复直接发给原发件人。
// 正文前插入转发横幅；纯文本邮件转为 <pre>，没有正文时给出占位内容。
func (c *Composer) Compose(primary, relayAddress string, msg *domain.ParsedMessage) (*domain.OutboundMessage, error) {
	if msg.Sender == "" {
		return nil, ErrSenderNotFound
	}
	if primary == "" {
		return nil, domain.NewError(domain.KindValidation, "primary address is empty")
	}

	banner := c.banner(msg.Sender, relayAddress)

	var body, text string
	switch {
	case strings.TrimSpace(msg.HTMLBody) != "":
		body = banner + msg.HTMLBody
		text = msg.TextBody
		if text == "" {
			text = c.plainText(msg.HTMLBody)
		}
	case strings.TrimSpace(msg.TextBody) != "":
		body = banner + `<pre style="white-space: pre-wrap; font-family: inherit;">` + EscapeHTML(msg.TextBody) + `</pre>`
		text = msg.TextBody
	default:
		body = banner + "<p>(No content)</p>"
		text = "(No content)"
	}

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubject
	}

	out := &domain.OutboundMessage{
		To:          primary,
		From:        fmt.Sprintf("%s [via %s] <%s>", msg.Sender, c.appName, relayAddress),
		ReplyTo:     msg.Sender,
		ResentFrom:  relayAddress,
		Subject:     subject,
		HTMLBody:    body,
		TextBody:    text,
		Attachments: msg.Attachments,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Composer) banner(sender, relayAddress string) string {
	var b strings.Builder
	b.WriteString(`<div style="margin:0 0 20px 0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">`)
	b.WriteString(`<div style="background:linear-gradient(135deg,#4f7cff 0%,#7a4fe0 100%);border-radius:8px;padding:1px;">`)
	b.WriteString(`<div style="background:#ffffff;border-radius:7px;padding:12px 16px;font-size:12px;color:#2d3748;">`)
	fmt.Fprintf(&b, `<div><strong>From:</strong> %s</div>`, EscapeHTML(sender))
	fmt.Fprintf(&b, `<div><strong>To:</strong> %s</div>`, EscapeHTML(relayAddress))
	fmt.Fprintf(&b, `<div style="margin-top:8px;padding-top:8px;border-top:1px solid #e2e8f0;color:#a0aec0;font-size:11px;">forwarded by <a href="%s" style="color:#4f7cff;text-decoration:none;">%s</a></div>`,
		EscapeHTML(c.siteURL), EscapeHTML(c.appName))
	b.WriteString(`</div></div></div>`)
	return b.String()
}

// plainText 从 HTML 生成纯文本备选正文
func (c *Composer) plainText(body string) string {
	clean := html.UnescapeString(c.stripper.Sanitize(body))
	return strings.Join(strings.Fields(clean), " ")
}
