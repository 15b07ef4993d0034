package domain

import (
	"errors"
	"time"
)

// InboundEvent 入站通知中的单条对象引用
type InboundEvent struct {
	Bucket    string
	Key       string
	Size      int64
	Region    string
	EventTime time.Time
	EventName string
}

// Attachment 邮件附件，转发时原样透传
type Attachment struct {
	Filename           string
	Content            []byte
	ContentType        string
	ContentDisposition string
	ContentID          string
}

// ParsedMessage 解析后的入站邮件
type ParsedMessage struct {
	Subject     string
	HTMLBody    string
	TextBody    string
	Sender      string
	Recipient   string // 中继地址
	Attachments []Attachment
}

// OutboundMessage 交给投递服务的外发邮件
type OutboundMessage struct {
	To          string
	From        string
	ReplyTo     string
	ResentFrom  string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []Attachment
}

// Validate 检查外发邮件的必填字段
func (m *OutboundMessage) Validate() error {
	switch {
	case m.To == "":
		return errors.New("outbound message: missing recipient")
	case m.From == "":
		return errors.New("outbound message: missing sender")
	case m.Subject == "":
		return errors.New("outbound message: missing subject")
	case m.HTMLBody == "" && m.TextBody == "":
		return errors.New("outbound message: html or text body required")
	}
	return nil
}

// ForwardOutcome 单条对象引用的转发结果
type ForwardOutcome string

const (
	// OutcomeForwarded 已成功交给投递服务
	OutcomeForwarded ForwardOutcome = "forwarded"
	// OutcomeFailed 取件、解析或地址解析失败，消息保留等待队列重投
	OutcomeFailed ForwardOutcome = "failed"
	// OutcomeDeliveryFailed 组装或投递失败，只记录不重试
	OutcomeDeliveryFailed ForwardOutcome = "delivery_failed"
)

// ForwardResult 转发流水线对单条对象引用的处理结果
type ForwardResult struct {
	Event        InboundEvent
	Outcome      ForwardOutcome
	RelayAddress string
	Err          error
	Duration     time.Duration
}

// Acknowledge 判断该结果是否允许确认（删除）队列消息
func (r ForwardResult) Acknowledge() bool {
	return r.Outcome != OutcomeFailed
}
