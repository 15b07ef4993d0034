package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

type fakeResolver struct {
	active map[string]string
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, addr string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if to, ok := f.active[addr]; ok {
		return to, nil
	}
	return "", domain.ErrRelayNotFound
}

type fakeForwarder struct {
	mu       sync.Mutex
	got      []string
	outcomes map[string]domain.ForwardOutcome
}

func (f *fakeForwarder) ForwardTo(_ context.Context, raw []byte, rcpt string) domain.ForwardResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rcpt)
	outcome, ok := f.outcomes[rcpt]
	if !ok {
		outcome = domain.OutcomeForwarded
	}
	res := domain.ForwardResult{RelayAddress: rcpt, Outcome: outcome}
	if outcome != domain.OutcomeForwarded {
		res.Err = errors.New("boom")
	}
	return res
}

func newTestBackend() (*Backend, *fakeResolver, *fakeForwarder) {
	res := &fakeResolver{active: map[string]string{
		"shop@relay.test": "alice@example.com",
		"news@relay.test": "alice@example.com",
	}}
	fwd := &fakeForwarder{outcomes: map[string]domain.ForwardOutcome{}}
	b := NewBackend(Options{RelayDomain: "Relay.Test", MaxMessageBytes: 1024}, res, fwd, zap.NewNop())
	return b, res, fwd
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var se *gosmtp.SMTPError
	require.True(t, errors.As(err, &se), "expected SMTPError, got %v", err)
	return se.Code
}

func TestSession_Rcpt(t *testing.T) {
	b, res, _ := newTestBackend()
	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	assert.NoError(t, sess.Rcpt("<Shop@Relay.test>", nil))
	assert.Equal(t, 550, smtpCode(t, sess.Rcpt("someone@elsewhere.com", nil)), "外部域名不中继")
	assert.Equal(t, 550, smtpCode(t, sess.Rcpt("ghost@relay.test", nil)))
	assert.Equal(t, 501, smtpCode(t, sess.Rcpt("not-an-address", nil)))

	res.err = errors.New("redis down")
	assert.Equal(t, 451, smtpCode(t, sess.Rcpt("news@relay.test", nil)))
}

func TestSession_Data(t *testing.T) {
	const msg = "From: bob@example.org\r\nTo: shop@relay.test\r\nSubject: hi\r\n\r\nhello\r\n"

	t.Run("逐个收件人转发", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Mail("bob@example.org", nil))
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))
		require.NoError(t, sess.Rcpt("news@relay.test", nil))

		require.NoError(t, sess.Data(strings.NewReader(msg)))
		assert.Equal(t, []string{"shop@relay.test", "news@relay.test"}, fwd.got)
	})

	t.Run("全部可重试失败返回 451", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		fwd.outcomes["shop@relay.test"] = domain.OutcomeFailed
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))

		assert.Equal(t, 451, smtpCode(t, sess.Data(strings.NewReader(msg))))
	})

	t.Run("部分成功时接受", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		fwd.outcomes["news@relay.test"] = domain.OutcomeFailed
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))
		require.NoError(t, sess.Rcpt("news@relay.test", nil))

		assert.NoError(t, sess.Data(strings.NewReader(msg)))
	})

	t.Run("投递失败不重试", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		fwd.outcomes["shop@relay.test"] = domain.OutcomeDeliveryFailed
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))

		assert.NoError(t, sess.Data(strings.NewReader(msg)))
	})

	t.Run("超出大小限制", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))

		err := sess.Data(strings.NewReader(msg + strings.Repeat("x", 2048)))
		assert.Equal(t, 552, smtpCode(t, err))
		assert.Empty(t, fwd.got)
	})

	t.Run("Reset 清空收件人", func(t *testing.T) {
		b, _, fwd := newTestBackend()
		sess, _ := b.NewSession(nil)
		require.NoError(t, sess.Rcpt("shop@relay.test", nil))
		sess.Reset()

		require.NoError(t, sess.Data(strings.NewReader(msg)))
		assert.Empty(t, fwd.got)
	})
}

func TestServer_EndToEnd(t *testing.T) {
	b, _, fwd := newTestBackend()
	srv := NewServer(b, Options{Domain: "mx.relay.test"})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	msg := "From: bob@example.org\r\nTo: shop@relay.test\r\nSubject: hi\r\n\r\nhello\r\n"
	err = gosmtp.SendMail(l.Addr().String(), nil, "bob@example.org", []string{"shop@relay.test"}, strings.NewReader(msg))
	require.NoError(t, err)

	fwd.mu.Lock()
	got := append([]string(nil), fwd.got...)
	fwd.mu.Unlock()
	assert.Equal(t, []string{"shop@relay.test"}, got)

	err = gosmtp.SendMail(l.Addr().String(), nil, "bob@example.org", []string{"victim@elsewhere.com"}, strings.NewReader(msg))
	assert.Error(t, err)
}
