// Package queue 轮询入站通知队列，并驱动邮件转发流水线。
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Delivery 从队列收到的一条消息
type Delivery struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue 入站通知队列
type Queue interface {
	Receive(ctx context.Context) ([]Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI sqs.Client 中用到的方法
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSOptions 长轮询参数
type SQSOptions struct {
	QueueURL          string
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// SQSQueue 基于 Amazon SQS 的队列实现
type SQSQueue struct {
	client SQSAPI
	opts   SQSOptions
}

// NewSQSQueue 创建 SQS 队列
func NewSQSQueue(client SQSAPI, opts SQSOptions) *SQSQueue {
	if opts.MaxMessages <= 0 || opts.MaxMessages > 10 {
		opts.MaxMessages = 10
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = 20 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	return &SQSQueue{client: client, opts: opts}
}

// Receive 长轮询接收一批消息
func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.opts.QueueURL),
		MaxNumberOfMessages: int32(q.opts.MaxMessages),
		WaitTimeSeconds:     int32(q.opts.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.opts.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, Delivery{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return deliveries, nil
}

// Delete 确认消息，之后不会再被投递
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.opts.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
