package handler

import (
	"errors"
	"io"
	"net/http"

	"creditsync/internal/infrastructure/payment"
	"creditsync/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody 支付方事件体上限
const maxWebhookBody = 1 << 20

// BillingWebhook 支付方事件回调
// POST /api/v1/webhooks/billing
//
// 【返回约定】支付方对非 2xx 会重投：
// 200 {"received": true}  已处理 / 重复 / 不关心的事件
// 400 {"error": ...}      签名或请求体非法，重投也不会成功
// 409 {"error": ...}      同一事件正在处理
// 500 {"error": ...}      存储或回查失败，等待重投
func (h *Handler) BillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body too large or unreadable"})
		return
	}

	_, err = h.reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader(payment.SignatureHeader))
	if err != nil {
		status := webhookStatus(err, h.retryMalformed)
		if status == http.StatusInternalServerError {
			h.log.Error("webhook 处理失败，等待支付方重投", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": publicMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func webhookStatus(err error, retryMalformed bool) int {
	switch {
	case errors.Is(err, model.ErrAuthentication), errors.Is(err, model.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrMalformedEvent):
		if retryMalformed {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	case errors.Is(err, model.ErrEventInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage 不向外暴露存储层细节
func publicMessage(err error) string {
	for _, sentinel := range []error{
		model.ErrAuthentication,
		model.ErrAccountStore,
		model.ErrProcessorUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, model.ErrMalformedPayload) || errors.Is(err, model.ErrMalformedEvent) || errors.Is(err, model.ErrEventInFlight) {
		return err.Error()
	}
	return "internal error"
}
