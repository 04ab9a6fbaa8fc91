// Package bypass 管理一次性放行槽位与受信任域名集合
package bypass

import (
	"sort"
	"time"

	"trackshield/pkg/domain"
)

// DefaultEnterOnceTTL 一次性放行的有效期
const DefaultEnterOnceTTL = 15 * time.Second

// Ledger 放行账本。只由控制器协程访问，不加锁
type Ledger struct {
	ttl       time.Duration
	enterOnce *domain.EnterOnce
	trusted   map[string]struct{}
	prompt    bool
}

// NewLedger 创建账本，promptOnNewSites 默认开启
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultEnterOnceTTL
	}
	return &Ledger{ttl: ttl, trusted: make(map[string]struct{}), prompt: true}
}

// SetEnterOnce 写入一次性放行槽位，只保留最新一个；传 nil 清空
func (l *Ledger) SetEnterOnce(e *domain.EnterOnce) {
	if e == nil || e.SiteBase == "" {
		l.enterOnce = nil
		return
	}
	cp := *e
	l.enterOnce = &cp
}

// EnterOnce 返回当前槽位（可能已过期）
func (l *Ledger) EnterOnce() *domain.EnterOnce {
	if l.enterOnce == nil {
		return nil
	}
	cp := *l.enterOnce
	return &cp
}

// ConsumeEnterOnce 槽位存在、站点一致且未过期时清空槽位并返回 true。
// 过期或不匹配的槽位原样保留
func (l *Ledger) ConsumeEnterOnce(siteBase string, now time.Time) bool {
	e := l.enterOnce
	if e == nil || e.SiteBase != siteBase {
		return false
	}
	if now.UnixMilli()-e.TS >= l.ttl.Milliseconds() {
		return false
	}
	l.enterOnce = nil
	return true
}

// SetTrusted 整体替换受信任域名集合
func (l *Ledger) SetTrusted(domains []string) {
	next := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		if d != "" {
			next[d] = struct{}{}
		}
	}
	l.trusted = next
}

// IsTrusted 站点是否受信任
func (l *Ledger) IsTrusted(siteBase string) bool {
	_, ok := l.trusted[siteBase]
	return ok
}

// Trusted 返回排序后的受信任域名
func (l *Ledger) Trusted() []string {
	out := make([]string, 0, len(l.trusted))
	for d := range l.trusted {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SetPromptOnNewSites 设置是否对新站点弹出决策页
func (l *Ledger) SetPromptOnNewSites(v bool) { l.prompt = v }

// PromptOnNewSites 是否对新站点弹出决策页
func (l *Ledger) PromptOnNewSites() bool { return l.prompt }
