package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/service"
)

// UserHandler 处理账户生命周期相关的 HTTP 请求
type UserHandler struct {
	users *service.UserService
	log   *zap.Logger
}

// NewUserHandler 创建账户处理器
func NewUserHandler(users *service.UserService, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, log: logger.Named("user_handler")}
}

type changeUsernameRequest struct {
	Email string `json:"email" binding:"required"`
}

type verifyUsernameChangeRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

// Exists 查询邮箱是否已注册
func (h *UserHandler) Exists(c *gin.Context) {
	exists, err := h.users.Exists(c.Request.Context(), c.Param("email"))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Success(c, gin.H{"exists": exists})
}

// Deactivate 停用当前账户
func (h *UserHandler) Deactivate(c *gin.Context) {
	if err := h.users.Deactivate(c.Request.Context(), middleware.UserID(c), middleware.AccessToken(c)); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "账户已停用", nil)
}

// Delete 删除当前账户
func (h *UserHandler) Delete(c *gin.Context) {
	if err := h.users.Delete(c.Request.Context(), middleware.UserID(c), middleware.AccessToken(c)); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "账户已删除", nil)
}

// RequestUsernameChange 向新邮箱发送变更验证码
func (h *UserHandler) RequestUsernameChange(c *gin.Context) {
	var req changeUsernameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := h.users.RequestUsernameChange(c.Request.Context(), middleware.UserID(c), req.Email); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "验证码已发送至新邮箱", nil)
}

// VerifyUsernameChange 确认更换登录邮箱
func (h *UserHandler) VerifyUsernameChange(c *gin.Context) {
	var req verifyUsernameChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if err := h.users.VerifyUsernameChange(c.Request.Context(), middleware.UserID(c), req.Code); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "邮箱已更新", nil)
}
