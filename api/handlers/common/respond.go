package common

import (
	"errors"
	"net/http"

	"gateway/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// StatusForKind 错误类别到 HTTP 状态码的映射
func StatusForKind(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case orchestrator.KindQuotaExceeded, orchestrator.KindRateLimited:
		return http.StatusTooManyRequests
	case orchestrator.KindConfiguration:
		return http.StatusServiceUnavailable
	case orchestrator.KindUpstreamTransient, orchestrator.KindUpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondGatewayError 把编排层错误翻译为对外失败响应
// 非 GatewayError 的错误收敛为 internal_error，不向外透出内部细节。
func RespondGatewayError(c *gin.Context, err error) {
	var gerr *orchestrator.GatewayError
	if !errors.As(err, &gerr) {
		gerr = &orchestrator.GatewayError{Kind: orchestrator.KindInternal, Message: "内部错误"}
	}
	c.JSON(StatusForKind(gerr.Kind), FailureResponse{
		Success: false,
		Error:   ErrorBody{Kind: string(gerr.Kind), Message: gerr.Message, ResetAt: gerr.ResetAt},
	})
}
