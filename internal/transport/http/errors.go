package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidRequest = "Invalid request body"
	MsgInternalError  = "Internal server error"
)

// statusOf 业务错误类别到 HTTP 状态码的映射
var statusOf = map[domain.ErrorKind]int{
	domain.KindValidation:    http.StatusBadRequest,
	domain.KindNotFound:      http.StatusNotFound,
	domain.KindConflict:      http.StatusConflict,
	domain.KindQuotaExceeded: http.StatusForbidden,
	domain.KindAuth:          http.StatusUnauthorized,
	domain.KindRateLimited:   http.StatusTooManyRequests,
}

// StatusFor 返回错误对应的 HTTP 状态码
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrPermissionDenied) {
		return http.StatusForbidden
	}
	if status, ok := statusOf[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondError 按错误类别写出响应
//
// 未分类的错误只记录日志，不把内部细节返回给客户端。
func RespondError(c *gin.Context, log *zap.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		Error(c, status, MsgInternalError)
		return
	}

	var de *domain.Error
	if errors.As(err, &de) {
		Error(c, status, de.Msg)
		return
	}
	Error(c, status, err.Error())
}
