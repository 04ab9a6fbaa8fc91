// Package gate 实现顶层导航的放行/拦截决策
package gate

import (
	"net/url"
	"strings"

	"trackshield/internal/bypass"
	"trackshield/internal/classifier"
	"trackshield/internal/clock"
	"trackshield/internal/location"
	"trackshield/internal/preview"
	"trackshield/pkg/domain"
)

// Verdict 决策结果
type Verdict int

const (
	VerdictIgnore       Verdict = iota // 非顶层、非 http(s) 或决策页自身
	VerdictPass                        // 无法解析站点，原样放行
	VerdictPassBypassed                // 消费了一次性放行
	VerdictArmPreview                  // 预览意图命中，开始预览
	VerdictPassTrusted                 // 受信任站点或未开启提示
	VerdictRedirect                    // 重定向到决策页
)

var verdictNames = map[Verdict]string{
	VerdictIgnore:       "ignore",
	VerdictPass:         "pass",
	VerdictPassBypassed: "bypassed",
	VerdictArmPreview:   "preview",
	VerdictPassTrusted:  "trusted",
	VerdictRedirect:     "redirect",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return "unknown"
}

// Allows 该结果是否让导航原样继续
func (v Verdict) Allows() bool { return v != VerdictRedirect }

// Decision 单次导航的决策
type Decision struct {
	Verdict     Verdict        `json:"verdict"`
	SiteBase    string         `json:"siteBase,omitempty"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
	Preview     preview.Active `json:"-"`
}

// Gate 导航决策器。状态分布在放行账本、预览捕获与位置缓存中，
// 只由控制器协程调用，每次决策同步完成
type Gate struct {
	interstitial string
	ledger       *bypass.Ledger
	capture      *preview.Capture
	locations    *location.Cache
	clk          clock.Clock
}

// New 创建导航决策器
func New(interstitial string, ledger *bypass.Ledger, capture *preview.Capture, locations *location.Cache, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Gate{interstitial: interstitial, ledger: ledger, capture: capture, locations: locations, clk: clk}
}

// Decide 对一次导航事件做出决策
func (g *Gate) Decide(ev domain.NavigationEvent) Decision {
	if !ev.IsTopLevel() || !classifier.IsHTTP(ev.URL) || g.IsInterstitial(ev.URL) {
		return Decision{Verdict: VerdictIgnore}
	}

	g.locations.Set(ev.TabID, ev.URL)

	site := classifier.SiteOf(ev.URL)
	if site == "" {
		return Decision{Verdict: VerdictPass}
	}

	// 检查与清空必须在同一次同步调用内完成
	if g.ledger.ConsumeEnterOnce(site, g.clk.Now()) {
		return Decision{Verdict: VerdictPassBypassed, SiteBase: site}
	}

	if g.capture.MatchRequest(site, ev.URL) {
		a := g.capture.Arm(site, ev.TabID)
		return Decision{Verdict: VerdictArmPreview, SiteBase: site, Preview: a}
	}

	if !g.ledger.PromptOnNewSites() || g.ledger.IsTrusted(site) {
		return Decision{Verdict: VerdictPassTrusted, SiteBase: site}
	}

	return Decision{Verdict: VerdictRedirect, SiteBase: site, RedirectURL: InterstitialURL(g.interstitial, ev.URL)}
}

// IsInterstitial 判断 URL 是否为决策页
func (g *Gate) IsInterstitial(raw string) bool {
	return IsInterstitial(g.interstitial, raw)
}

// IsInterstitial 判断 raw 是否指向 base 决策页（忽略查询参数）
func IsInterstitial(base, raw string) bool {
	if base == "" {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, b.Scheme) && strings.EqualFold(u.Host, b.Host) && u.Path == b.Path
}

// InterstitialURL 构造带原始目标的决策页地址
func InterstitialURL(base, dest string) string {
	return base + "?dest=" + url.QueryEscape(dest)
}
