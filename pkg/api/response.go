package api

import (
	"errors"

	"trackshield/internal/core"
	"trackshield/pkg/domain"
)

// StatusReply /api/status 的响应体
//
// Blocking 表示当前模式是否会安装拦截规则，供不解析模式名的调用方使用。
type StatusReply struct {
	Success  bool           `json:"success"`
	Blocking bool           `json:"blocking"`
	Data     *core.Snapshot `json:"data,omitempty"`
	Error    *StatusError   `json:"error,omitempty"`
}

// StatusError 状态不可用时的原因
type StatusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusOf 由快照构造成功响应
func StatusOf(snap core.Snapshot) StatusReply {
	return StatusReply{
		Success:  true,
		Blocking: snap.Mode != domain.ModeLow && snap.Rules > 0,
		Data:     &snap,
	}
}

// StatusUnavailable 由快照失败原因构造响应
func StatusUnavailable(err error) StatusReply {
	code := "unavailable"
	if errors.Is(err, domain.ErrControllerStopped) {
		code = "stopped"
	}
	return StatusReply{Error: &StatusError{Code: code, Message: err.Error()}}
}
