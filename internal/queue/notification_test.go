package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directBody = `{"Records":[{"eventName":"ObjectCreated:Put","eventTime":"2024-05-01T10:00:00.000Z","awsRegion":"us-east-1",
"s3":{"bucket":{"name":"inbound"},"object":{"key":"mail/my+note","size":1024}}}]}`

func TestUnwrapNotification(t *testing.T) {
	t.Run("直接投递", func(t *testing.T) {
		events, err := UnwrapNotification(directBody)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "inbound", events[0].Bucket)
		assert.Equal(t, "mail/my+note", events[0].Key, "键保持原样，由流水线解码")
		assert.Equal(t, int64(1024), events[0].Size)
		assert.Equal(t, "us-east-1", events[0].Region)
		assert.Equal(t, "ObjectCreated:Put", events[0].EventName)
		assert.Equal(t, 2024, events[0].EventTime.Year())
	})

	t.Run("SNS 包装", func(t *testing.T) {
		body := `{"Type":"Notification","Message":"{\"Records\":[{\"s3\":{\"bucket\":{\"name\":\"b\"},\"object\":{\"key\":\"k\"}}}]}"}`
		events, err := UnwrapNotification(body)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "b", events[0].Bucket)
		assert.Equal(t, "k", events[0].Key)
	})

	t.Run("空记录", func(t *testing.T) {
		events, err := UnwrapNotification(`{"Records":[]}`)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("无法识别", func(t *testing.T) {
		for _, body := range []string{
			"not json",
			`{"Event":"s3:TestEvent"}`,
			`{"Message":"not json"}`,
			`{"Message":"{\"foo\":1}"}`,
		} {
			_, err := UnwrapNotification(body)
			assert.ErrorIs(t, err, ErrMalformedNotification, body)
		}
	})
}

type fakeSQS struct {
	receiveIn *sqs.ReceiveMessageInput
	deleted   []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = in
	return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{
		{MessageId: aws.String("m-1"), Body: aws.String(directBody), ReceiptHandle: aws.String("rh-1")},
	}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	client := &fakeSQS{}
	q := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.test/q", MaxMessages: 50})

	deliveries, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, Delivery{ID: "m-1", Body: directBody, ReceiptHandle: "rh-1"}, deliveries[0])

	in := client.receiveIn
	assert.Equal(t, "https://sqs.test/q", aws.ToString(in.QueueUrl))
	assert.Equal(t, int32(10), in.MaxNumberOfMessages, "超出上限时取 10")
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
	assert.Equal(t, int32(60), in.VisibilityTimeout)

	require.NoError(t, q.Delete(context.Background(), "rh-1"))
	assert.Equal(t, []string{"rh-1"}, client.deleted)
}

func TestSQSQueue_CustomOptions(t *testing.T) {
	client := &fakeSQS{}
	q := NewSQSQueue(client, SQSOptions{MaxMessages: 5, WaitTime: 5 * time.Second, VisibilityTimeout: 2 * time.Minute})
	_, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(5), client.receiveIn.MaxNumberOfMessages)
	assert.Equal(t, int32(5), client.receiveIn.WaitTimeSeconds)
	assert.Equal(t, int32(120), client.receiveIn.VisibilityTimeout)
}
