package mail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-sasl"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

func sampleOutbound() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		To:         "alice@example.com",
		From:       "bob@example.org [via RelayMail] <abc@relay.test>",
		ReplyTo:    "bob@example.org",
		ResentFrom: "abc@relay.test",
		Subject:    "Hello",
		HTMLBody:   "<p>hi</p>",
	}
}

// ========== S3 ==========

type fakeObjectGetter struct {
	body []byte
	err  error
	in   *s3.GetObjectInput
}

func (f *fakeObjectGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func TestS3Fetcher(t *testing.T) {
	getter := &fakeObjectGetter{body: []byte("raw mail")}
	data, err := NewS3Fetcher(getter, "fallback").Fetch(context.Background(), "inbound", "mail/1")
	require.NoError(t, err)
	assert.Equal(t, "raw mail", string(data))
	assert.Equal(t, "inbound", aws.ToString(getter.in.Bucket))
	assert.Equal(t, "mail/1", aws.ToString(getter.in.Key))

	_, err = NewS3Fetcher(getter, "fallback").Fetch(context.Background(), "", "mail/2")
	require.NoError(t, err)
	assert.Equal(t, "fallback", aws.ToString(getter.in.Bucket), "通知未带 bucket 时使用默认值")

	_, err = NewS3Fetcher(getter, "").Fetch(context.Background(), "", "mail/3")
	assert.Error(t, err)
}

func TestS3Fetcher_NoSuchKey(t *testing.T) {
	getter := &fakeObjectGetter{err: &s3types.NoSuchKey{}}
	_, err := NewS3Fetcher(getter, "").Fetch(context.Background(), "inbound", "gone")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	getter.err = errors.New("connection reset")
	_, err = NewS3Fetcher(getter, "").Fetch(context.Background(), "inbound", "x")
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

// ========== Mailgun ==========

type mockMailgun struct {
	mock.Mock
}

func (m *mockMailgun) NewMIMEMessage(body io.ReadCloser, to ...string) *mailgun.Message {
	raw, _ := io.ReadAll(body)
	m.Called(string(raw), to)
	return &mailgun.Message{}
}

func (m *mockMailgun) Send(ctx context.Context, msg *mailgun.Message) (string, string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.String(1), args.Error(2)
}

func TestMailgunSender(t *testing.T) {
	client := new(mockMailgun)
	client.On("NewMIMEMessage", mock.MatchedBy(func(raw string) bool {
		return bytes.Contains([]byte(raw), []byte("Resent-From: abc@relay.test"))
	}), []string{"alice@example.com"}).Return()
	client.On("Send", mock.Anything, mock.Anything).Return("Queued", "<id@mg>", nil).Once()

	sender := NewMailgunSenderWithClient(client, zap.NewNop())
	require.NoError(t, sender.Send(context.Background(), sampleOutbound()))
	client.AssertExpectations(t)

	client.On("Send", mock.Anything, mock.Anything).Return("", "", errors.New("401 unauthorized"))
	assert.Error(t, sender.Send(context.Background(), sampleOutbound()))
}

// ========== SES ==========

type fakeSES struct {
	in *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender(t *testing.T) {
	client := &fakeSES{}
	require.NoError(t, NewSESSender(client, zap.NewNop()).Send(context.Background(), sampleOutbound()))

	require.NotNil(t, client.in)
	assert.Equal(t, []string{"alice@example.com"}, client.in.Destination.ToAddresses)
	assert.Contains(t, string(client.in.Content.Raw.Data), "Subject: Hello")
}

// ========== SMTP ==========

func TestSMTPSender_Envelope(t *testing.T) {
	sender := NewSMTPSender("smtp.test:587", "user", "pass")

	var gotFrom string
	var gotTo []string
	sender.sendMail = func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
		assert.Equal(t, "smtp.test:587", addr)
		assert.NotNil(t, a)
		gotFrom, gotTo = from, to
		_, err := io.ReadAll(r)
		return err
	}

	require.NoError(t, sender.Send(context.Background(), sampleOutbound()))
	assert.Equal(t, "abc@relay.test", gotFrom)
	assert.Equal(t, []string{"alice@example.com"}, gotTo)
}

// ========== 限速 ==========

func TestRateLimitedSender(t *testing.T) {
	var sent int
	next := SenderFunc(func(context.Context, *domain.OutboundMessage) error {
		sent++
		return nil
	})

	_, wrapped := NewRateLimitedSender(next, 0).(*RateLimitedSender)
	assert.False(t, wrapped, "不限速时直接返回原投递器")

	limited := NewRateLimitedSender(next, 1)
	require.NoError(t, limited.Send(context.Background(), sampleOutbound()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limited.Send(ctx, sampleOutbound())
	assert.Error(t, err, "令牌耗尽且上下文到期前无法发送")
	assert.Equal(t, 1, sent)
}

func TestLogSender_Validates(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	assert.NoError(t, s.Send(context.Background(), sampleOutbound()))
	assert.Error(t, s.Send(context.Background(), &domain.OutboundMessage{}))
}
