package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/service"
)

// RelayHandler 处理中继地址管理请求
type RelayHandler struct {
	relays *service.RelayService
	log    *zap.Logger
}

// NewRelayHandler 创建中继地址处理器
func NewRelayHandler(relays *service.RelayService, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{relays: relays, log: logger.Named("relay_handler")}
}

type customRelayRequest struct {
	LocalPart string `json:"localPart" binding:"required"`
}

type descriptionRequest struct {
	Description string `json:"description"`
}

type activeRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

// List 列出当前用户的中继地址
func (h *RelayHandler) List(c *gin.Context) {
	views, err := h.relays.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Success(c, views)
}

// Create 随机分配一个中继地址
func (h *RelayHandler) Create(c *gin.Context) {
	view, err := h.relays.Create(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Created(c, view)
}

// CreateCustom 以指定本地部分创建中继地址
func (h *RelayHandler) CreateCustom(c *gin.Context) {
	var req customRelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	view, err := h.relays.CreateCustom(c.Request.Context(), middleware.UserID(c), req.LocalPart)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Created(c, view)
}

// UpdateDescription 修改备注
func (h *RelayHandler) UpdateDescription(c *gin.Context) {
	var req descriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	view, err := h.relays.SetDescription(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Description)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Success(c, view)
}

// UpdateActive 暂停或恢复转发
func (h *RelayHandler) UpdateActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	view, err := h.relays.SetActive(c.Request.Context(), middleware.UserID(c), c.Param("id"), *req.IsActive)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	Success(c, view)
}

// Delete 删除中继地址
func (h *RelayHandler) Delete(c *gin.Context) {
	if err := h.relays.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		RespondError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}
