// Package stats 维护拦截计数、徽标文本与通知节流
package stats

import (
	"strconv"
	"time"

	"trackshield/pkg/domain"
)

// 默认值
const (
	DefaultBadgeCeiling   = 999
	DefaultNotifyThrottle = 60 * time.Second
)

// Tracker 自当前模式生效以来的计数。只由控制器协程访问
type Tracker struct {
	stats         domain.Stats
	ceiling       int
	throttle      time.Duration
	notifyEnabled bool
	lastNotified  map[string]time.Time
}

// NewTracker 创建计数器
func NewTracker(ceiling int, throttle time.Duration) *Tracker {
	if ceiling <= 0 {
		ceiling = DefaultBadgeCeiling
	}
	if throttle < 0 {
		throttle = DefaultNotifyThrottle
	}
	return &Tracker{ceiling: ceiling, throttle: throttle, lastNotified: make(map[string]time.Time)}
}

// Reset 清零计数
func (t *Tracker) Reset() { t.stats = domain.Stats{} }

// Stats 当前计数
func (t *Tracker) Stats() domain.Stats { return t.stats }

// Count 记录一次拦截
func (t *Tracker) Count(thirdParty bool) domain.Stats {
	if thirdParty {
		t.stats.ThirdParty++
	} else {
		t.stats.FirstParty++
	}
	return t.stats
}

// BadgeText 当前徽标文本
func (t *Tracker) BadgeText() string { return BadgeText(t.stats.Total(), t.ceiling) }

// BadgeText 计数为 0 时为空，超过上限显示 "上限+"
func BadgeText(total int64, ceiling int) string {
	switch {
	case total <= 0:
		return ""
	case total > int64(ceiling):
		return strconv.Itoa(ceiling) + "+"
	default:
		return strconv.FormatInt(total, 10)
	}
}

// SetNotifyEnabled 设置是否发送桌面通知
func (t *Tracker) SetNotifyEnabled(v bool) { t.notifyEnabled = v }

// NotifyEnabled 是否发送桌面通知
func (t *Tracker) NotifyEnabled() bool { return t.notifyEnabled }

// ShouldNotify 同一域名在节流窗口内只通知一次，命中时记录本次时间
func (t *Tracker) ShouldNotify(d string, now time.Time) bool {
	if !t.notifyEnabled || d == "" {
		return false
	}
	if last, ok := t.lastNotified[d]; ok && now.Sub(last) < t.throttle {
		return false
	}
	t.lastNotified[d] = now
	return true
}
