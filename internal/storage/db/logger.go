package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"

	"trackshield/internal/logger"
)

// SlowThreshold 慢 SQL 阈值
const SlowThreshold = 200 * time.Millisecond

// Logger 将 GORM 日志转发到应用日志
type Logger struct {
	log      logger.Logger
	LogLevel glog.LogLevel
}

// NewLogger 创建 GORM 日志桥接，默认只输出警告及以上
func NewLogger(l logger.Logger) *Logger {
	if l == nil {
		l = logger.NewNop()
	}
	return &Logger{log: l.With("component", "sqlite"), LogLevel: glog.Warn}
}

// LogMode 实现 logger.Interface 接口
func (l *Logger) LogMode(level glog.LogLevel) glog.Interface {
	nl := *l
	nl.LogLevel = level
	return &nl
}

// Info 打印 info 级别日志
func (l *Logger) Info(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Info {
		l.log.Info(msg, "args", data)
	}
}

// Warn 打印 warn 级别日志
func (l *Logger) Warn(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Warn {
		l.log.Warn(msg, "args", data)
	}
}

// Error 打印 error 级别日志
func (l *Logger) Error(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Error {
		l.log.Error(msg, "args", data)
	}
}

// Trace 打印 SQL 执行详情，记录不存在不视为错误
func (l *Logger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= glog.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{"sql", sql, "rows", rows, "ms", float64(elapsed.Nanoseconds()) / 1e6}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= glog.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case elapsed > SlowThreshold && l.LogLevel >= glog.Warn:
		l.log.Warn("慢SQL查询", fields...)
	case l.LogLevel == glog.Info:
		l.log.Debug("SQL执行", fields...)
	}
}
