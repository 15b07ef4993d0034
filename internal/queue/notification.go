package queue

import (
	"encoding/json"
	"time"

	"relaymail/backend/internal/domain"
)

// ErrMalformedNotification 消息体不是可识别的对象存储通知
var ErrMalformedNotification = domain.NewError(domain.KindValidation, "malformed storage notification")

type s3Notification struct {
	Records *[]s3Record `json:"Records"`
}

type s3Record struct {
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
	AWSRegion string    `json:"awsRegion"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// snsEnvelope 经 SNS 转发时的外层包装，Message 为内层 JSON 字符串
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// UnwrapNotification 解析队列消息体中的对象引用
//
// 支持直接投递的 {"Records":[...]} 和 SNS 包装的 {"Message":"<json>"}。
// 缺少 Records 数组时返回 ErrMalformedNotification；空数组是合法的。
func UnwrapNotification(body string) ([]domain.InboundEvent, error) {
	n, err := decodeRecords([]byte(body))
	if err != nil {
		return nil, err
	}
	if n.Records == nil {
		var env snsEnvelope
		if err := json.Unmarshal([]byte(body), &env); err != nil || env.Message == "" {
			return nil, ErrMalformedNotification
		}
		if n, err = decodeRecords([]byte(env.Message)); err != nil {
			return nil, err
		}
		if n.Records == nil {
			return nil, ErrMalformedNotification
		}
	}

	events := make([]domain.InboundEvent, 0, len(*n.Records))
	for _, r := range *n.Records {
		events = append(events, domain.InboundEvent{
			Bucket:    r.S3.Bucket.Name,
			Key:       r.S3.Object.Key,
			Size:      r.S3.Object.Size,
			Region:    r.AWSRegion,
			EventTime: r.EventTime,
			EventName: r.EventName,
		})
	}
	return events, nil
}

func decodeRecords(data []byte) (*s3Notification, error) {
	var n s3Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, ErrMalformedNotification
	}
	return &n, nil
}
