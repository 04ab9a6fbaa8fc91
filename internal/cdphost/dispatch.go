package cdphost

import (
	"context"
	"errors"
	"sync"
	"time"

	"trackshield/internal/dnr"
	"trackshield/internal/gate"
	"trackshield/internal/logger"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// DefaultDecisionTimeout 等待导航决策的默认上限，超时放行
const DefaultDecisionTimeout = 2 * time.Second

// Navigator 控制器的入口
type Navigator interface {
	Navigate(ctx context.Context, ev domain.NavigationEvent) (gate.Decision, error)
	FollowRedirect(ev domain.NavigationEvent)
	SubmitRequest(ev domain.RequestEvent)
	TabClosed(tab domain.TabID)
}

// Matcher 声明式规则匹配
type Matcher interface {
	Match(req dnr.Request) (rulespec.Rule, bool)
}

// Actions 对暂停请求的处置
type Actions interface {
	Continue(ctx context.Context, requestID string) error
	Fail(ctx context.Context, requestID string) error
	Redirect(ctx context.Context, requestID, location string) error
}

// Paused 与协议无关的暂停请求
type Paused struct {
	RequestID    string
	URL          string
	Method       string
	ResourceType string // 协议侧的资源类型，如 Document、Script
	FrameID      string
	TargetID     string
	Referer      string
	NetworkID    string // 同一条重定向链上保持不变
	RedirectedBy string // 引发本次跳转的暂停请求 ID
}

// TopLevel 是否为标签页主框架的文档请求
func (p Paused) TopLevel() bool {
	return p.ResourceType == "Document" && p.FrameID != "" && p.FrameID == p.TargetID
}

// Outcome 一次处置的结果，用于日志与测试
type Outcome int

const (
	OutcomeContinued Outcome = iota
	OutcomeBlocked
	OutcomeRedirected
)

// allowedNav 标签页最近一次被放行的顶层导航
type allowedNav struct {
	requestID string
	networkID string
}

// Dispatcher 将暂停的请求分发到导航决策或规则匹配
type Dispatcher struct {
	nav          Navigator
	matcher      Matcher
	origins      *originTable
	timeout      time.Duration
	interstitial string
	log          logger.Logger

	mu      sync.Mutex
	allowed map[domain.TabID]allowedNav
}

// NewDispatcher 创建分发器
func NewDispatcher(nav Navigator, matcher Matcher, timeout time.Duration, l logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Dispatcher{
		nav:     nav,
		matcher: matcher,
		origins: newOriginTable(),
		timeout: timeout,
		log:     l,
		allowed: make(map[domain.TabID]allowedNav),
	}
}

// WithInterstitial 设置决策页地址，指向它的文档请求直接放行
func (d *Dispatcher) WithInterstitial(base string) *Dispatcher {
	d.interstitial = base
	return d
}

// Forget 清理标签页的记录
func (d *Dispatcher) Forget(tab domain.TabID) {
	d.origins.remove(tab)
	d.mu.Lock()
	delete(d.allowed, tab)
	d.mu.Unlock()
}

// Handle 处置一个暂停的请求，任何情况下都会调用 act 中的一个方法
func (d *Dispatcher) Handle(ctx context.Context, tab domain.TabID, p Paused, act Actions) Outcome {
	if p.TopLevel() {
		return d.handleDocument(ctx, tab, p, act)
	}
	return d.handleSubresource(ctx, tab, p, act)
}

func (d *Dispatcher) handleDocument(ctx context.Context, tab domain.TabID, p Paused, act Actions) Outcome {
	if d.interstitial != "" && gate.IsInterstitial(d.interstitial, p.URL) {
		d.forgetNav(tab)
		d.origins.set(tab, p.URL)
		d.cont(ctx, p, act)
		return OutcomeContinued
	}

	// 一次导航只决策一次，服务端重定向的后续跳转沿用首跳的放行结果
	if d.isRedirectHop(tab, p) {
		d.rememberNav(tab, p)
		d.origins.set(tab, p.URL)
		d.nav.FollowRedirect(domain.NavigationEvent{TabID: tab, URL: p.URL})
		d.cont(ctx, p, act)
		return OutcomeContinued
	}

	navCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	dec, err := d.nav.Navigate(navCtx, domain.NavigationEvent{TabID: tab, FrameID: 0, URL: p.URL})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.log.Warn("导航决策超时，放行", "tab", int(tab), "url", p.URL)
		} else {
			d.log.Err(err, "导航决策失败，放行", "tab", int(tab), "url", p.URL)
		}
		d.rememberNav(tab, p)
		d.origins.set(tab, p.URL)
		d.cont(ctx, p, act)
		return OutcomeContinued
	}

	if dec.Verdict == gate.VerdictRedirect {
		d.forgetNav(tab)
		if err := act.Redirect(ctx, p.RequestID, dec.RedirectURL); err != nil {
			d.log.Err(err, "重定向到决策页失败，放行", "requestID", p.RequestID)
			d.cont(ctx, p, act)
			return OutcomeContinued
		}
		return OutcomeRedirected
	}

	d.rememberNav(tab, p)
	d.origins.set(tab, p.URL)
	d.cont(ctx, p, act)
	return OutcomeContinued
}

func (d *Dispatcher) isRedirectHop(tab domain.TabID, p Paused) bool {
	if p.RedirectedBy == "" && p.NetworkID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.allowed[tab]
	if !ok {
		return false
	}
	return (p.RedirectedBy != "" && p.RedirectedBy == prev.requestID) ||
		(p.NetworkID != "" && p.NetworkID == prev.networkID)
}

func (d *Dispatcher) rememberNav(tab domain.TabID, p Paused) {
	d.mu.Lock()
	d.allowed[tab] = allowedNav{requestID: p.RequestID, networkID: p.NetworkID}
	d.mu.Unlock()
}

func (d *Dispatcher) forgetNav(tab domain.TabID) {
	d.mu.Lock()
	delete(d.allowed, tab)
	d.mu.Unlock()
}

func (d *Dispatcher) handleSubresource(ctx context.Context, tab domain.TabID, p Paused, act Actions) Outcome {
	rt := ResourceType(p.ResourceType, p.FrameID == p.TargetID)
	initiator := d.origins.get(tab)
	if initiator == "" {
		initiator = originOf(p.Referer)
	}
	req := dnr.Request{TabID: tab, URL: p.URL, Initiator: initiator, ResourceType: rt}

	ev := domain.RequestEvent{TabID: tab, URL: p.URL, Initiator: initiator, ResourceType: string(rt)}

	// 命中回调由引擎同步投递到控制器；被拦截的请求同样提交给观察者
	if _, blocked := d.matcher.Match(req); blocked {
		if err := act.Fail(ctx, p.RequestID); err != nil {
			d.log.Err(err, "拦截请求失败", "requestID", p.RequestID, "url", p.URL)
		}
		d.nav.SubmitRequest(ev)
		return OutcomeBlocked
	}

	d.cont(ctx, p, act)
	d.nav.SubmitRequest(ev)
	return OutcomeContinued
}

func (d *Dispatcher) cont(ctx context.Context, p Paused, act Actions) {
	if err := act.Continue(ctx, p.RequestID); err != nil {
		d.log.Err(err, "放行请求失败", "requestID", p.RequestID)
	}
}
