package model

import "errors"

// 业务可恢复错误：全部作为 typed result 返回给调用方，绝不 panic。
// router 层用 errors.Is 映射为 HTTP 响应。
var (
	ErrNotFound          = errors.New("not found")
	ErrWindowNotOpen     = errors.New("sale has not started")
	ErrWindowClosed      = errors.New("sale has ended")
	ErrSoldOut           = errors.New("sold out")
	ErrDuplicatePurchase = errors.New("already purchased")
	// ErrSystemBusy 覆盖队列满与缓存存储不可用两类瞬时过载。
	ErrSystemBusy = errors.New("system busy")
)
