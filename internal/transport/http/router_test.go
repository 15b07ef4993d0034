package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/auth"
	"relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/protection"
	"relaymail/backend/internal/relay"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage/memory"
)

type inbox struct {
	mu   sync.Mutex
	sent []*domain.OutboundMessage
}

func (i *inbox) Send(_ context.Context, msg *domain.OutboundMessage) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, msg)
	return nil
}

func (i *inbox) lastCode(t *testing.T) string {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	require.NotEmpty(t, i.sent)
	body := i.sent[len(i.sent)-1].TextBody
	const marker = "Your verification code is: "
	idx := strings.Index(body, marker)
	require.GreaterOrEqual(t, idx, 0)
	return body[idx+len(marker) : idx+len(marker)+6]
}

type apiFixture struct {
	router *gin.Engine
	tokens *jwt.Manager
	store  *memory.Store
	inbox  *inbox
}

func newAPIFixture(t *testing.T, codesPerMinute int) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := protection.GenerateKey()
	require.NoError(t, err)
	cipher, err := protection.New(key)
	require.NoError(t, err)

	f := &apiFixture{
		tokens: jwt.NewManager(strings.Repeat("s", 32), "relaymail", 15*time.Minute, 7*24*time.Hour),
		store:  memory.NewStore(),
		inbox:  &inbox{},
	}
	cache := memory.NewCache()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	log := zap.NewNop()

	guard := auth.NewGuard(f.tokens, cache, f.store, metrics, log)
	codes := auth.NewCodeLimiter(cache, 5*time.Minute, 3)
	mailer := service.NewNotificationMailer("RelayMail", "no-reply@relay.test", codes.Expiry(), f.inbox)
	resolver := relay.NewResolver(cache, f.store, cipher, metrics, log)
	registry := relay.NewRegistry(f.store, resolver, cipher, "relay.test", log)

	f.router = NewRouter(RouterDependencies{
		Config:       &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}},
		AuthService:  service.NewAuthService(f.store, cipher, codes, guard, mailer, log),
		RelayService: service.NewRelayService(f.store, registry, log),
		UserService:  service.NewUserService(f.store, cipher, codes, cache, guard, registry, mailer, log),
		Guard:        guard,
		CodeLimiter:  middleware.NewMemoryRateLimiter(codesPerMinute, 128),
		CodeExpiry:   codes.Expiry(),
		Metrics:      metrics,
		Health:       health.NewChecker(log),
		Logger:       log,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) login(t *testing.T, email string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": email})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/auth/verify", "", gin.H{"email": email, "code": f.inbox.lastCode(t)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data service.LoginResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.AccessToken)
	return resp.Data.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) (Response, T) {
	t.Helper()
	var raw struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	var data T
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return Response{Code: raw.Code, Msg: raw.Msg}, data
}

func TestRouter_LoginAndProfile(t *testing.T) {
	f := newAPIFixture(t, 10)

	w := f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	_, code := decode[codeResponse](t, w)
	assert.True(t, code.IsNewUser)
	assert.Equal(t, int64(300), code.ExpiresIn)

	w = f.do(t, http.MethodPost, "/api/v1/auth/verify", "", gin.H{"email": "alice@example.com", "code": f.inbox.lastCode(t)})
	require.Equal(t, http.StatusOK, w.Code)
	_, login := decode[service.LoginResult](t, w)
	assert.True(t, login.IsNewUser)

	w = f.do(t, http.MethodGet, "/api/v1/me", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, profile := decode[map[string]interface{}](t, w)
	assert.Equal(t, "alice@example.com", profile["email"])
	assert.Equal(t, "FREE", profile["tier"])
	assert.NotContains(t, w.Body.String(), "usernameHash")

	w = f.do(t, http.MethodPost, "/api/v1/auth/logout", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/me", login.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	resp, _ := decode[any](t, w)
	assert.Equal(t, auth.ErrSessionRevoked.Msg, resp.Msg)
}

func TestRouter_AuthErrors(t *testing.T) {
	f := newAPIFixture(t, 10)

	t.Run("缺少令牌", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("伪造令牌", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/relay-emails", "not.a.jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("邮箱格式错误", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "nope"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("验证码格式错误", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/auth/verify", "", gin.H{"email": "a@example.com", "code": "12ab"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("验证码不存在", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/auth/verify", "", gin.H{"email": "nobody@example.com", "code": "123456"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRouter_RenewsExpiredAccessToken(t *testing.T) {
	f := newAPIFixture(t, 10)

	now := time.Now()
	f.tokens.SetClock(func() time.Time { return now.Add(-time.Hour) })
	token := f.login(t, "alice@example.com")
	f.tokens.SetClock(time.Now)

	w := f.do(t, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	renewed := w.Header().Get(middleware.NewAccessTokenHeader)
	require.NotEmpty(t, renewed)
	assert.NotEqual(t, token, renewed)

	// 旧令牌已被替换
	w = f.do(t, http.MethodGet, "/api/v1/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/me", renewed, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(middleware.NewAccessTokenHeader))
}

func TestRouter_RelayEmails(t *testing.T) {
	f := newAPIFixture(t, 10)
	token := f.login(t, "alice@example.com")

	var ids []string
	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/relay-emails", token, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		_, view := decode[service.RelayView](t, w)
		assert.Equal(t, "alice@example.com", view.PrimaryEmail)
		assert.True(t, strings.HasSuffix(view.RelayAddress, "@relay.test"))
		ids = append(ids, view.ID)
	}

	t.Run("超出免费额度", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/relay-emails", token, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("非管理员不能自定义地址", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/relay-emails/custom", token, gin.H{"localPart": "alice"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("修改备注", func(t *testing.T) {
		w := f.do(t, http.MethodPatch, "/api/v1/relay-emails/"+ids[0]+"/description", token, gin.H{"description": "shopping"})
		require.Equal(t, http.StatusOK, w.Code)
		_, view := decode[service.RelayView](t, w)
		assert.Equal(t, "shopping", view.Description)

		w = f.do(t, http.MethodPatch, "/api/v1/relay-emails/"+ids[0]+"/description", token, gin.H{"description": strings.Repeat("x", 21)})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("暂停转发", func(t *testing.T) {
		w := f.do(t, http.MethodPatch, "/api/v1/relay-emails/"+ids[1]+"/active", token, gin.H{"isActive": false})
		require.Equal(t, http.StatusOK, w.Code)
		_, view := decode[service.RelayView](t, w)
		assert.False(t, view.IsActive)

		w = f.do(t, http.MethodPatch, "/api/v1/relay-emails/"+ids[1]+"/active", token, gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("他人的地址不可见", func(t *testing.T) {
		other := f.login(t, "bob@example.com")
		w := f.do(t, http.MethodDelete, "/api/v1/relay-emails/"+ids[2], other, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/relay-emails", other, nil)
		require.Equal(t, http.StatusOK, w.Code)
		_, views := decode[[]service.RelayView](t, w)
		assert.Empty(t, views)
	})

	t.Run("删除", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/api/v1/relay-emails/"+ids[2], token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/relay-emails", token, nil)
		_, views := decode[[]service.RelayView](t, w)
		assert.Len(t, views, 2)
	})
}

func TestRouter_CodeRateLimit(t *testing.T) {
	f := newAPIFixture(t, 2)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "alice@example.com"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	w := f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "alice@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRouter_Users(t *testing.T) {
	t.Run("查询邮箱是否已注册", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		f.login(t, "alice@example.com")

		w := f.do(t, http.MethodGet, "/api/v1/users/exists/alice@example.com", "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		_, data := decode[map[string]bool](t, w)
		assert.True(t, data["exists"])

		w = f.do(t, http.MethodGet, "/api/v1/users/exists/bob@example.com", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		_, data = decode[map[string]bool](t, w)
		assert.False(t, data["exists"])

		w = f.do(t, http.MethodGet, "/api/v1/users/exists/nope", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("停用账户", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		token := f.login(t, "alice@example.com")

		w := f.do(t, http.MethodPost, "/api/v1/users/deactivate", token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp, _ := decode[any](t, w)
		assert.Equal(t, "账户已停用", resp.Msg)

		w = f.do(t, http.MethodGet, "/api/v1/me", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "alice@example.com"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("删除账户后可重新注册", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		token := f.login(t, "alice@example.com")
		w := f.do(t, http.MethodPost, "/api/v1/relay-emails", token, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		w = f.do(t, http.MethodDelete, "/api/v1/users", token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.do(t, http.MethodGet, "/api/v1/relay-emails", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = f.do(t, http.MethodPost, "/api/v1/auth/code", "", gin.H{"email": "alice@example.com"})
		require.Equal(t, http.StatusOK, w.Code)
		_, code := decode[codeResponse](t, w)
		assert.True(t, code.IsNewUser)
	})

	t.Run("更换登录邮箱", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		token := f.login(t, "alice@example.com")

		w := f.do(t, http.MethodPost, "/api/v1/users/change-username", token, gin.H{"email": "alice@example.com"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(t, http.MethodPost, "/api/v1/users/change-username", token, gin.H{"email": "alice.new@example.com"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.do(t, http.MethodPost, "/api/v1/users/verify-username-change", token, gin.H{"code": "12ab"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(t, http.MethodPost, "/api/v1/users/verify-username-change", token, gin.H{"code": f.inbox.lastCode(t)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp, _ := decode[any](t, w)
		assert.Equal(t, "邮箱已更新", resp.Msg)

		w = f.do(t, http.MethodGet, "/api/v1/me", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		_, profile := decode[map[string]interface{}](t, w)
		assert.Equal(t, "alice.new@example.com", profile["email"])
	})

	t.Run("新邮箱已被占用", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		token := f.login(t, "alice@example.com")
		f.login(t, "bob@example.com")

		w := f.do(t, http.MethodPost, "/api/v1/users/change-username", token, gin.H{"email": "bob@example.com"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("需要登录", func(t *testing.T) {
		f := newAPIFixture(t, 10)
		w := f.do(t, http.MethodDelete, "/api/v1/users", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 10)

	w := f.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.do(t, http.MethodGet, "/api/v1/me", "", nil)
	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `relaymail_http_requests_total{endpoint="/api/v1/me",method="GET",status="401"}`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.ErrAliasNotFound))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.ErrAddressTaken))
	assert.Equal(t, http.StatusForbidden, StatusFor(domain.ErrQuotaExceeded))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(auth.ErrTooManyAttempts))
	assert.Equal(t, http.StatusUnauthorized, StatusFor(domain.ErrAccountDisabled))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.ErrEmailInUse))
	assert.Equal(t, http.StatusBadRequest, StatusFor(domain.ErrSameEmail))
	assert.Equal(t, http.StatusForbidden, StatusFor(domain.ErrPermissionDenied))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.ErrAddressExhausted))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
