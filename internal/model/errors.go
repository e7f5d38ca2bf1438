package model

import "errors"

// 对账流程的错误分类，统一用 fmt.Errorf("%w: ...") 包装，errors.Is 判断
var (
	// ErrAuthentication 签名缺失或校验失败，不做任何处理直接拒绝
	ErrAuthentication = errors.New("webhook signature verification failed")
	// ErrMalformedPayload 请求体无法解析为事件
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrMalformedEvent 事件缺少必要的 metadata（用户ID、积分数量）
	ErrMalformedEvent = errors.New("malformed billing event")
	// ErrAccountStore 账户或流水读写失败
	ErrAccountStore = errors.New("account store failure")
	// ErrUnresolvedPlan 价格ID不在套餐表中
	ErrUnresolvedPlan = errors.New("unresolved plan")
	// ErrEventInFlight 同一事件正在被另一个请求处理
	ErrEventInFlight = errors.New("billing event is in-flight")
	// ErrProcessorUnavailable 回查支付方失败或未配置
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
)
