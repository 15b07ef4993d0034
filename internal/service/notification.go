package service

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/mail"
)

// NotificationKind 系统通知邮件类型
type NotificationKind string

const (
	NotifyWelcome       NotificationKind = "welcome"
	NotifyNewUserCode   NotificationKind = "new_user_code"
	NotifyReturningCode NotificationKind = "returning_user_code"
)

type notificationTemplate struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

type notificationData struct {
	AppName   string
	Code      string
	ExpiresIn string
	Heading   string
	Greeting  string
	Accent    htmltemplate.CSS
}

const notificationHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<style>
body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 600px; margin: 0 auto; padding: 20px; }
.banner { background-color: {{.Accent}}; color: white; padding: 20px; border-radius: 5px; text-align: center; margin-bottom: 20px; }
.code { font-size: 32px; font-weight: bold; color: #895BF5; text-align: center; padding: 20px; background-color: #f8f9fa; border-radius: 5px; margin: 20px 0; }
.footer { margin-top: 30px; font-size: 12px; color: #666; }
</style>
</head>
<body>
<div class="container">
<div class="banner"><h2>{{.Heading}}</h2></div>
<p>Hello,</p>
<p>{{.Greeting}}</p>
{{- if .Code}}
<p>Your verification code is:</p>
<div class="code">{{.Code}}</div>
<p>This code will expire in <strong>{{.ExpiresIn}}</strong>.</p>
<p>If you did not request this code, please ignore this email.</p>
{{- else}}
<p>Thank you for choosing {{.AppName}}!</p>
{{- end}}
<div class="footer"><p>Best regards,<br>{{.AppName}} Team</p></div>
</div>
</body>
</html>`

const notificationText = `{{.Heading}}

Hello,

{{.Greeting}}
{{if .Code}}
Your verification code is: {{.Code}}

This code will expire in {{.ExpiresIn}}.

If you did not request this code, please ignore this email.
{{else}}
Thank you for choosing {{.AppName}}!
{{end}}
Best regards,
{{.AppName}} Team`

// NotificationMailer 发送登录相关的系统邮件
type NotificationMailer struct {
	appName    string
	from       string
	codeExpiry time.Duration
	sender     mail.Sender
	templates  map[NotificationKind]notificationTemplate
}

// NewNotificationMailer 创建系统邮件发送器，from 为系统发件地址
func NewNotificationMailer(appName, from string, codeExpiry time.Duration, sender mail.Sender) *NotificationMailer {
	html := htmltemplate.Must(htmltemplate.New("notification").Parse(notificationHTML))
	text := texttemplate.Must(texttemplate.New("notification").Parse(notificationText))
	tpl := notificationTemplate{html: html, text: text}

	welcome, newCode, returning := tpl, tpl, tpl
	welcome.subject = fmt.Sprintf("Welcome to %s!", appName)
	newCode.subject = fmt.Sprintf("[%s] Welcome! Here's your verification code", appName)
	returning.subject = fmt.Sprintf("[%s] Welcome back! Here's your verification code", appName)

	return &NotificationMailer{
		appName:    appName,
		from:       from,
		codeExpiry: codeExpiry,
		sender:     sender,
		templates: map[NotificationKind]notificationTemplate{
			NotifyWelcome:       welcome,
			NotifyNewUserCode:   newCode,
			NotifyReturningCode: returning,
		},
	}
}

// SendCode 发送验证码邮件，新用户与老用户使用不同模板
func (m *NotificationMailer) SendCode(ctx context.Context, to, code string, isNewUser bool) error {
	if isNewUser {
		return m.send(ctx, NotifyNewUserCode, to, notificationData{
			Code:     code,
			Heading:  fmt.Sprintf("Welcome to %s!", m.appName),
			Greeting: "We're excited to have you join us! Let's get you started with protecting your email privacy.",
			Accent:   "#895BF5",
		})
	}
	return m.send(ctx, NotifyReturningCode, to, notificationData{
		Code:     code,
		Heading:  "Welcome Back!",
		Greeting: "Great to see you again! Here's your verification code to continue:",
		Accent:   "#895BF5",
	})
}

// SendWelcome 发送注册欢迎邮件
func (m *NotificationMailer) SendWelcome(ctx context.Context, to string) error {
	return m.send(ctx, NotifyWelcome, to, notificationData{
		Heading:  fmt.Sprintf("Welcome to %s!", m.appName),
		Greeting: "Your account has been successfully created. You can now start using our email relay service to protect your privacy.",
		Accent:   "#007bff",
	})
}

// render 渲染指定类型的通知邮件
func (m *NotificationMailer) render(kind NotificationKind, to string, data notificationData) (*domain.OutboundMessage, error) {
	tpl, ok := m.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown notification %q", kind)
	}
	data.AppName = m.appName
	data.ExpiresIn = humanMinutes(m.codeExpiry)

	var html, text bytes.Buffer
	if err := tpl.html.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render %s html: %w", kind, err)
	}
	if err := tpl.text.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render %s text: %w", kind, err)
	}

	return &domain.OutboundMessage{
		To:       to,
		From:     m.from,
		Subject:  tpl.subject,
		HTMLBody: html.String(),
		TextBody: strings.TrimSpace(text.String()),
	}, nil
}

func (m *NotificationMailer) send(ctx context.Context, kind NotificationKind, to string, data notificationData) error {
	msg, err := m.render(kind, to, data)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s mail: %w", kind, err)
	}
	return nil
}

func humanMinutes(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
