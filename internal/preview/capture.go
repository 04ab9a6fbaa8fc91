// Package preview 实现限时的预览捕获：在固定窗口内记录目标标签页发出的第三方请求
package preview

import (
	"sort"
	"time"

	"trackshield/internal/classifier"
	"trackshield/internal/clock"
	"trackshield/pkg/domain"
)

// DefaultWindow 预览窗口时长
const DefaultWindow = 5 * time.Second

// BlockedTag 回执中被拦截域名的后缀
const BlockedTag = " (blocked)"

// Entry 单个域名的观察结果
type Entry struct {
	Blocked bool
	Allowed bool
}

// Active 正在进行的预览
type Active struct {
	SiteBase string
	TabID    domain.TabID
	Seq      uint64
	ArmedAt  time.Time
}

// Result 预览结束时的汇总
type Result struct {
	SiteBase string
	TabID    domain.TabID
	Domains  []domain.PreviewDomain
}

// Capture 预览状态机。全局只允许一个活动预览，新的预览会直接取代旧的。
// 只由控制器协程访问；到期回调 onExpire 在定时器协程中执行，只应投递序号
type Capture struct {
	clk      clock.Clock
	window   time.Duration
	onExpire func(seq uint64)

	request *domain.PreviewRequest
	active  *Active
	timer   clock.Timer
	ledger  map[string]*Entry
	seq     uint64
}

// New 创建预览捕获器
func New(clk clock.Clock, window time.Duration, onExpire func(seq uint64)) *Capture {
	if clk == nil {
		clk = clock.Real{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if onExpire == nil {
		onExpire = func(uint64) {}
	}
	return &Capture{clk: clk, window: window, onExpire: onExpire, ledger: make(map[string]*Entry)}
}

// SetRequest 写入预览意图槽位；传 nil 清空
func (c *Capture) SetRequest(r *domain.PreviewRequest) {
	if r == nil || r.SiteBase == "" || r.Dest == "" {
		c.request = nil
		return
	}
	cp := *r
	c.request = &cp
}

// Request 当前预览意图
func (c *Capture) Request() *domain.PreviewRequest {
	if c.request == nil {
		return nil
	}
	cp := *c.request
	return &cp
}

// MatchRequest 站点与完整 URL 都一致时清空意图槽位并返回 true
func (c *Capture) MatchRequest(siteBase, url string) bool {
	r := c.request
	if r == nil || r.SiteBase != siteBase || r.Dest != url {
		return false
	}
	c.request = nil
	return true
}

// Arm 启动预览：清空观察记录，取消旧定时器，开始新的计时窗口
func (c *Capture) Arm(siteBase string, tabID domain.TabID) Active {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.ledger = make(map[string]*Entry)
	c.seq++
	seq := c.seq
	c.active = &Active{SiteBase: siteBase, TabID: tabID, Seq: seq, ArmedAt: c.clk.Now()}
	c.timer = c.clk.AfterFunc(c.window, func() { c.onExpire(seq) })
	return *c.active
}

// Active 返回当前活动预览
func (c *Capture) Active() (Active, bool) {
	if c.active == nil {
		return Active{}, false
	}
	return *c.active, true
}

// Observe 记录活动预览标签页发出的第三方请求，返回请求的基础域名以及是否被记录
func (c *Capture) Observe(tabID domain.TabID, requestURL string) (string, bool) {
	d, ok := c.track(tabID, requestURL)
	if !ok {
		return d, false
	}
	c.entry(d).Allowed = true
	return d, true
}

// MarkBlocked 记录活动预览标签页中被规则拦截的第三方请求
func (c *Capture) MarkBlocked(tabID domain.TabID, requestURL string) bool {
	d, ok := c.track(tabID, requestURL)
	if !ok {
		return false
	}
	c.entry(d).Blocked = true
	return true
}

func (c *Capture) track(tabID domain.TabID, requestURL string) (string, bool) {
	a := c.active
	if a == nil || a.TabID != tabID {
		return "", false
	}
	d := classifier.SiteOf(requestURL)
	if d == "" || d == a.SiteBase {
		return d, false
	}
	return d, true
}

func (c *Capture) entry(d string) *Entry {
	e, ok := c.ledger[d]
	if !ok {
		e = &Entry{}
		c.ledger[d] = e
	}
	return e
}

// End 结束预览并读出观察记录。seq 为 0 时结束当前预览，
// 否则只在 seq 与当前预览一致时结束（丢弃过期定时器的回调）。无活动预览时返回 false
func (c *Capture) End(seq uint64) (Result, bool) {
	a := c.active
	if a == nil || (seq != 0 && a.Seq != seq) {
		return Result{}, false
	}
	res := Result{SiteBase: a.SiteBase, TabID: a.TabID, Domains: c.summary()}
	c.reset()
	return res, true
}

// Cancel 丢弃指定标签页的活动预览，不产生结果
func (c *Capture) Cancel(tabID domain.TabID) bool {
	if c.active == nil || c.active.TabID != tabID {
		return false
	}
	c.reset()
	return true
}

func (c *Capture) reset() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.active = nil
	c.ledger = make(map[string]*Entry)
}

func (c *Capture) summary() []domain.PreviewDomain {
	out := make([]domain.PreviewDomain, 0, len(c.ledger))
	for d, e := range c.ledger {
		out = append(out, domain.PreviewDomain{Domain: d, Blocked: e.Blocked, Seen: e.Allowed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// ReceiptDomains 将预览结果转为回执域名，被拦截的域名带 (blocked) 后缀
func ReceiptDomains(domains []domain.PreviewDomain) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if d.Blocked {
			out = append(out, d.Domain+BlockedTag)
		} else {
			out = append(out, d.Domain)
		}
	}
	return out
}

// MergeDomains 求并集，保留已有顺序并追加新域名
func MergeDomains(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, d := range list {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
