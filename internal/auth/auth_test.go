package auth

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
	"relaymail/backend/internal/storage/memory"
)

type guardFixture struct {
	tokens  *jwt.Manager
	cache   *memory.Cache
	store   *memory.Store
	metrics *monitoring.Metrics
	guard   *Guard
	user    *domain.User
}

func newGuardFixture() *guardFixture {
	f := &guardFixture{
		tokens:  jwt.NewManager(strings.Repeat("k", 32), "relaymail", 15*time.Minute, 7*24*time.Hour),
		cache:   memory.NewCache(),
		store:   memory.NewStore(),
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		user: &domain.User{
			ID: "user-1", UsernameHash: "hash-1", Role: domain.RoleUser,
			Status: domain.StatusActive, Tier: domain.TierFree,
		},
	}
	if err := f.store.CreateUser(context.Background(), f.user); err != nil {
		panic(err)
	}
	f.guard = NewGuard(f.tokens, f.cache, f.store, f.metrics, zap.NewNop())
	return f
}

func (f *guardFixture) setStatus(t *testing.T, status domain.UserStatus) {
	t.Helper()
	u, err := f.store.GetUserByID(context.Background(), f.user.ID)
	require.NoError(t, err)
	u.Status = status
	require.NoError(t, f.store.UpdateUser(context.Background(), u))
}

// issueExpired 以一小时前的时间签发并登记会话
func (f *guardFixture) issueExpired(t *testing.T) string {
	t.Helper()
	now := time.Now()
	f.tokens.SetClock(func() time.Time { return now.Add(-time.Hour) })
	defer f.tokens.SetClock(time.Now)
	pair, err := f.guard.Issue(context.Background(), f.user)
	require.NoError(t, err)
	return pair.AccessToken
}

func TestGuard_Authenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("缺少令牌", func(t *testing.T) {
		f := newGuardFixture()
		_, err := f.guard.Authenticate(ctx, "")
		assert.ErrorIs(t, err, ErrTokenMissing)
	})

	t.Run("有效令牌且会话存在", func(t *testing.T) {
		f := newGuardFixture()
		pair, err := f.guard.Issue(ctx, f.user)
		require.NoError(t, err)

		p, err := f.guard.Authenticate(ctx, pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.UserID)
		assert.Equal(t, domain.RoleUser, p.Role)
		assert.Equal(t, domain.TierFree, p.Tier)
		assert.Empty(t, p.RenewedAccessToken)
	})

	t.Run("有效令牌但会话已注销", func(t *testing.T) {
		f := newGuardFixture()
		pair, err := f.guard.Issue(ctx, f.user)
		require.NoError(t, err)
		require.NoError(t, f.guard.Revoke(ctx, pair.AccessToken))

		_, err = f.guard.Authenticate(ctx, pair.AccessToken)
		assert.ErrorIs(t, err, ErrSessionRevoked)
	})

	t.Run("过期令牌且会话存在时续期", func(t *testing.T) {
		f := newGuardFixture()
		expired := f.issueExpired(t)

		p, err := f.guard.Authenticate(ctx, expired)
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.UserID)
		require.NotEmpty(t, p.RenewedAccessToken)
		assert.NotEqual(t, expired, p.RenewedAccessToken)

		_, err = f.cache.GetSession(ctx, expired)
		assert.ErrorIs(t, err, storage.ErrSessionNotFound, "旧会话被替换")
		_, err = f.cache.GetSession(ctx, p.RenewedAccessToken)
		assert.NoError(t, err)

		again, err := f.guard.Authenticate(ctx, p.RenewedAccessToken)
		require.NoError(t, err)
		assert.Empty(t, again.RenewedAccessToken)

		_, err = f.guard.Authenticate(ctx, expired)
		assert.ErrorIs(t, err, ErrSessionExpired, "旧令牌不能再次续期")

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthRefreshTotal.WithLabelValues(refreshRenewed)))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthRefreshTotal.WithLabelValues(refreshExpired)))
	})

	t.Run("过期令牌且会话不存在", func(t *testing.T) {
		f := newGuardFixture()
		expired := f.issueExpired(t)
		require.NoError(t, f.guard.Revoke(ctx, expired))

		_, err := f.guard.Authenticate(ctx, expired)
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Equal(t, "Session expired. Please login again.", err.Error())
		assert.Equal(t, domain.KindAuth, domain.KindOf(err))
	})

	t.Run("停用或删除的账户不再续期", func(t *testing.T) {
		for _, status := range []domain.UserStatus{domain.StatusDeactivated, domain.StatusDeleted} {
			f := newGuardFixture()
			expired := f.issueExpired(t)
			f.setStatus(t, status)

			_, err := f.guard.Authenticate(ctx, expired)
			assert.ErrorIs(t, err, domain.ErrAccountDisabled, status)
			_, err = f.cache.GetSession(ctx, expired)
			assert.ErrorIs(t, err, storage.ErrSessionNotFound, "会话随之删除")
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthRefreshTotal.WithLabelValues(refreshDisabled)))
		}
	})

	t.Run("续期使用账户当前的等级", func(t *testing.T) {
		f := newGuardFixture()
		expired := f.issueExpired(t)

		u, err := f.store.GetUserByID(ctx, f.user.ID)
		require.NoError(t, err)
		u.Tier = domain.TierPremium
		require.NoError(t, f.store.UpdateUser(ctx, u))

		p, err := f.guard.Authenticate(ctx, expired)
		require.NoError(t, err)
		assert.Equal(t, domain.TierPremium, p.Tier)

		renewed, err := f.guard.Authenticate(ctx, p.RenewedAccessToken)
		require.NoError(t, err)
		assert.Equal(t, domain.TierPremium, renewed.Tier)
	})

	t.Run("格式错误或签名无效", func(t *testing.T) {
		f := newGuardFixture()
		_, err := f.guard.Authenticate(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)

		other := jwt.NewManager(strings.Repeat("z", 32), "relaymail", time.Minute, time.Hour)
		pair, err := other.GenerateTokenPair("user-1", "USER", "FREE")
		require.NoError(t, err)
		_, err = f.guard.Authenticate(ctx, pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestCodeLimiter_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache()
	limiter := NewCodeLimiter(cache, 5*time.Minute, 3)

	code, err := limiter.Issue(ctx, "hash-1")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), code)

	require.NoError(t, limiter.Verify(ctx, "hash-1", code))
	assert.ErrorIs(t, limiter.Verify(ctx, "hash-1", code), ErrCodeExpired, "验证码只能使用一次")
}

func TestCodeLimiter_Attempts(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache()
	limiter := NewCodeLimiter(cache, 5*time.Minute, 3)

	code, err := limiter.Issue(ctx, "hash-1")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		err := limiter.Verify(ctx, "hash-1", wrong)
		assert.ErrorIs(t, err, ErrCodeMismatch)
	}

	err = limiter.Verify(ctx, "hash-1", code)
	assert.ErrorIs(t, err, ErrTooManyAttempts, "达到上限后即使验证码正确也拒绝")
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))

	code, err = limiter.Issue(ctx, "hash-1")
	require.NoError(t, err)
	assert.NoError(t, limiter.Verify(ctx, "hash-1", code), "重新签发后清零失败次数")
}

func TestCodeLimiter_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache()
	now := time.Now()
	cache.SetClock(func() time.Time { return now })
	limiter := NewCodeLimiter(cache, 0, 0)
	assert.Equal(t, 5*time.Minute, limiter.Expiry())

	code, err := limiter.Issue(ctx, "hash-1")
	require.NoError(t, err)

	cache.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	assert.ErrorIs(t, limiter.Verify(ctx, "hash-1", code), ErrCodeExpired)
	assert.ErrorIs(t, limiter.Verify(ctx, "unknown", "123456"), ErrCodeExpired)
}
