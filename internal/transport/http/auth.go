package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/service"
)

// AuthHandler 处理登录相关的 HTTP 请求
type AuthHandler struct {
	auth       *service.AuthService
	codeExpiry time.Duration
	log        *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(auth *service.AuthService, codeExpiry time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:       auth,
		codeExpiry: codeExpiry,
		log:        logger.Named("auth_handler"),
	}
}

type codeRequest struct {
	Email string `json:"email" binding:"required"`
}

type codeResponse struct {
	IsNewUser bool  `json:"isNewUser"`
	ExpiresIn int64 `json:"expiresIn"` // 验证码有效秒数
}

type verifyRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required,len=6,numeric"`
}

// RequestCode 发送登录验证码
func (h *AuthHandler) RequestCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	isNewUser, err := h.auth.RequestCode(c.Request.Context(), req.Email)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	SuccessWithMsg(c, "验证码已发送", codeResponse{
		IsNewUser: isNewUser,
		ExpiresIn: int64(h.codeExpiry / time.Second),
	})
}

// Verify 校验验证码并登录
func (h *AuthHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.auth.VerifyCode(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}

	Success(c, res)
}

// Logout 注销当前会话
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context(), middleware.AccessToken(c)); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "已退出登录", nil)
}

// Me 返回当前用户资料
func (h *AuthHandler) Me(c *gin.Context) {
	profile, err := h.auth.Profile(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Success(c, profile)
}
