package domain

import "errors"

// 模式与规则相关错误
var (
	ErrInvalidMode       = errors.New("invalid privacy mode")
	ErrRuleRejected      = errors.New("rule rejected by engine")
	ErrEngineUnavailable = errors.New("rule engine unavailable")
)

// 存储相关错误
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrKeyNotFound      = errors.New("key not found")
)

// 预览相关错误
var (
	ErrNoActivePreview = errors.New("no active preview")
)

// 控制器相关错误
var (
	ErrControllerStopped = errors.New("controller stopped")
)

// 浏览器相关错误
var (
	ErrDevToolsUnreachable = errors.New("devtools unreachable")
	ErrTabNotFound         = errors.New("tab not found")
	ErrBrowserStartFailed  = errors.New("browser start failed")
)
