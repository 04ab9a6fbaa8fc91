// Package persist 封装尽力而为的持久化调用：失败只记录日志，不向触发方传播
package persist

import (
	"fmt"

	"trackshield/internal/logger"
)

// Outcome 一次尽力而为操作的结果，调用方可以观察但不必处理
type Outcome struct {
	Op  string
	Err error
}

// OK 操作是否成功
func (o Outcome) OK() bool { return o.Err == nil }

// Ok 成功结果
func Ok(op string) Outcome { return Outcome{Op: op} }

// BestEffort 执行 fn，错误与 panic 都只记录日志
func BestEffort(log logger.Logger, op string, fn func() error) (out Outcome) {
	out.Op = op
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("%s: panic: %v", op, r)
			if log != nil {
				log.Error("持久化操作异常", "op", op, "panic", fmt.Sprint(r))
			}
		}
	}()
	if err := fn(); err != nil {
		out.Err = err
		if log != nil {
			log.Err(err, "持久化操作失败", "op", op)
		}
	}
	return out
}
