package handler

import (
	"context"
	"errors"
	"strconv"

	"creditsync/internal/service"
	"creditsync/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookReconciler 处理一次 webhook 投递
type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (service.Result, error)
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	reconciler     WebhookReconciler
	accountService *service.AccountService
	retryMalformed bool
	log            *zap.Logger
}

// NewHandler retryMalformed 为 false 时缺少 metadata 的事件返回 400，支付方不再重投
func NewHandler(reconciler WebhookReconciler, accountService *service.AccountService, retryMalformed bool, log *zap.Logger) *Handler {
	return &Handler{
		reconciler:     reconciler,
		accountService: accountService,
		retryMalformed: retryMalformed,
		log:            log,
	}
}

// ============================================================
// 管理接口（客服排查"付了钱没到账"）
// ============================================================

// GetAccount 查询账户快照
// GET /api/v1/admin/accounts/:user_id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.accountService.GetAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.accountError(c, err)
		return
	}
	response.Success(c, account)
}

// ListTransactions 查询积分流水，附带流水合计便于对账
// GET /api/v1/admin/accounts/:user_id/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.ParamError(c, "page 参数错误")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		response.ParamError(c, "page_size 参数错误")
		return
	}

	result, err := h.accountService.ListTransactions(c.Request.Context(), c.Param("user_id"), page, pageSize)
	if err != nil {
		h.accountError(c, err)
		return
	}
	response.Success(c, result)
}

// ListPlans 当前生效的套餐表
// GET /api/v1/admin/plans
func (h *Handler) ListPlans(c *gin.Context) {
	response.Success(c, h.accountService.Plans())
}

// ListFailedOutbox 超过重试次数的副作用消息
// GET /api/v1/admin/outbox/failed?limit=50
func (h *Handler) ListFailedOutbox(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.accountService.FailedOutboxMessages(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("查询失败消息出错", zap.Error(err))
		response.ServerError(c, "查询失败消息出错")
		return
	}
	response.Success(c, gin.H{"list": messages})
}

// RequeueOutbox 重新投递一条 FAILED 消息
// POST /api/v1/admin/outbox/:id/requeue
func (h *Handler) RequeueOutbox(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}

	ok, err := h.accountService.RequeueOutboxMessage(c.Request.Context(), id)
	if err != nil {
		h.log.Error("重新投递消息出错", zap.Int64("id", id), zap.Error(err))
		response.ServerError(c, "重新投递消息出错")
		return
	}
	if !ok {
		response.BusinessError(c, response.CodeOutboxNotRequeued, "消息不存在或不是失败状态")
		return
	}
	response.Success(c, gin.H{"id": id, "status": "PENDING"})
}

func (h *Handler) accountError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrAccountNotFound) {
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
		return
	}
	h.log.Error("查询账户出错", zap.String("user_id", c.Param("user_id")), zap.Error(err))
	response.ServerError(c, "查询账户出错")
}
