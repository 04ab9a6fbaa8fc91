// Package core 实现拦截核心的控制器：唯一的协程持有全部可变状态，
// 依次处理导航、子请求、规则命中、存储变更与预览到期事件
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trackshield/internal/bypass"
	"trackshield/internal/classifier"
	"trackshield/internal/clock"
	"trackshield/internal/compiler"
	"trackshield/internal/dnr"
	"trackshield/internal/eventlog"
	"trackshield/internal/gate"
	"trackshield/internal/location"
	"trackshield/internal/logger"
	"trackshield/internal/persist"
	"trackshield/internal/preview"
	"trackshield/internal/stats"
	"trackshield/internal/storage"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// Host 浏览器侧能力
type Host interface {
	RedirectTab(ctx context.Context, tab domain.TabID, url string) error
	SetBadgeText(text string)
	Broadcast(msg any)
	Notify(title, message string)
}

// Options 控制器参数
type Options struct {
	InterstitialURL   string
	PreviewWindow     time.Duration
	EnterOnceTTL      time.Duration
	NotifyThrottle    time.Duration
	BadgeCeiling      int
	LocationCacheSize int
	Patterns          []string
	Clock             clock.Clock
	Logger            logger.Logger
	Recorder          *stats.Recorder
}

// redirectTimeout 预览结束后回跳决策页的上限，避免阻塞事件循环
const redirectTimeout = 3 * time.Second

// CoreState 控制器持有的全部可变状态
type CoreState struct {
	Mode      domain.PrivacyMode
	Patterns  []string
	Ledger    *bypass.Ledger
	Preview   *preview.Capture
	Locations *location.Cache
	Stats     *stats.Tracker
}

// Snapshot 状态快照
type Snapshot struct {
	Mode             domain.PrivacyMode     `json:"mode"`
	Stats            domain.Stats           `json:"stats"`
	Badge            string                 `json:"badge"`
	Trusted          []string               `json:"trusted"`
	PromptOnNewSites bool                   `json:"promptOnNewSites"`
	NotifyEnabled    bool                   `json:"notifyEnabled"`
	Patterns         []string               `json:"patterns"`
	Rules            int                    `json:"rules"`
	Preview          *PreviewSnapshot       `json:"preview,omitempty"`
	PendingPreview   *domain.PreviewRequest `json:"pendingPreview,omitempty"`
}

// PreviewSnapshot 活动预览
type PreviewSnapshot struct {
	SiteBase string       `json:"siteBase"`
	TabID    domain.TabID `json:"tabId"`
	ArmedAt  int64        `json:"armedAt"`
}

type navRequest struct {
	ev    domain.NavigationEvent
	reply chan gate.Decision
}

type applyRequest struct {
	mode  domain.PrivacyMode
	reply chan error
}

// Controller 拦截核心控制器
type Controller struct {
	opts     Options
	state    CoreState
	gate     *gate.Gate
	compiler *compiler.Compiler
	store    *storage.Store
	events   *eventlog.Log
	host     Host
	clk      clock.Clock
	log      logger.Logger
	rec      *stats.Recorder

	installed []rulespec.Rule

	navCh      chan navRequest
	hopCh      chan domain.NavigationEvent
	reqCh      chan domain.RequestEvent
	matchCh    chan domain.RuleMatchEvent
	expiredCh  chan uint64
	closedCh   chan domain.TabID
	patternsCh chan []string
	applyCh    chan applyRequest
	snapCh     chan chan Snapshot

	changes <-chan storage.Change
	unsub   func()
	done    chan struct{}
	runCtx  context.Context
}

// New 创建控制器。存储订阅在此建立，Start 与 Run 之间的变更不会丢失
func New(store *storage.Store, engine compiler.RuleEngine, sink eventlog.Sink, host Host, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	log := opts.Logger.With("component", "core")

	c := &Controller{
		opts:       opts,
		store:      store,
		host:       host,
		clk:        opts.Clock,
		log:        log,
		rec:        opts.Recorder,
		navCh:      make(chan navRequest),
		hopCh:      make(chan domain.NavigationEvent, 64),
		reqCh:      make(chan domain.RequestEvent, 1024),
		matchCh:    make(chan domain.RuleMatchEvent, 1024),
		expiredCh:  make(chan uint64, 8),
		closedCh:   make(chan domain.TabID, 64),
		patternsCh: make(chan []string, 1),
		applyCh:    make(chan applyRequest),
		snapCh:     make(chan chan Snapshot),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
	}

	c.state = CoreState{
		Mode:      domain.DefaultMode,
		Patterns:  append([]string(nil), opts.Patterns...),
		Ledger:    bypass.NewLedger(opts.EnterOnceTTL),
		Locations: location.New(opts.LocationCacheSize),
		Stats:     stats.NewTracker(opts.BadgeCeiling, opts.NotifyThrottle),
	}
	c.state.Preview = preview.New(c.clk, opts.PreviewWindow, c.postExpired)
	c.gate = gate.New(opts.InterstitialURL, c.state.Ledger, c.state.Preview, c.state.Locations, c.clk)
	c.compiler = compiler.New(engine, log)
	c.events = eventlog.New(sink, c.state.Locations, c.clk, func() domain.PrivacyMode { return c.state.Mode }, log)
	c.changes, c.unsub = store.Subscribe(256,
		storage.KeyPrivacyMode, storage.KeyTrusted, storage.KeyPromptOnNewSites,
		storage.KeyNotifyEnabled, storage.KeyEnterOnce, storage.KeyPreview)
	return c
}

// Start 从存储恢复状态并按存储的模式安装规则
func (c *Controller) Start(ctx context.Context) error {
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		c.log.Err(err, "读取存储失败，使用默认设置")
		snap = storage.Snapshot{Mode: domain.DefaultMode, PromptOnNewSites: true}
	}
	c.state.Ledger.SetTrusted(snap.Trusted)
	c.state.Ledger.SetPromptOnNewSites(snap.PromptOnNewSites)
	c.state.Stats.SetNotifyEnabled(snap.NotifyEnabled)

	if eo, err := c.store.EnterOnce(ctx); err == nil {
		c.state.Ledger.SetEnterOnce(eo)
	}
	if pr, err := c.store.PreviewRequest(ctx); err == nil {
		c.state.Preview.SetRequest(pr)
	}

	if err := c.applyRules(ctx, snap.Mode); err != nil {
		return fmt.Errorf("apply %s rules: %w", snap.Mode, err)
	}
	c.log.Info("控制器已启动", "mode", string(snap.Mode), "trusted", len(snap.Trusted), "patterns", len(c.state.Patterns))
	return nil
}

// Run 事件循环，ctx 取消后返回
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer func() {
		c.unsub()
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			c.state.Preview.End(0)
			return ctx.Err()
		case req := <-c.navCh:
			c.drainChanges(ctx)
			req.reply <- c.handleNavigation(ctx, req.ev)
		case ev := <-c.hopCh:
			c.handleRedirectHop(ev)
		case ev := <-c.reqCh:
			c.handleRequest(ev)
		case ev := <-c.matchCh:
			c.handleRuleMatch(ev)
		case ch, ok := <-c.changes:
			if ok {
				c.applyChange(ctx, ch)
			}
		case seq := <-c.expiredCh:
			c.endPreview(ctx, seq)
		case tab := <-c.closedCh:
			c.handleTabClosed(tab)
		case p := <-c.patternsCh:
			c.handlePatterns(ctx, p)
		case req := <-c.applyCh:
			c.drainChanges(ctx)
			if req.mode == c.state.Mode {
				req.reply <- nil
				continue
			}
			req.reply <- c.applyRules(ctx, req.mode)
		case reply := <-c.snapCh:
			c.drainPending(ctx)
			reply <- c.snapshot()
		}
	}
}

// drainChanges 在决策前处理所有已到达的存储变更
func (c *Controller) drainChanges(ctx context.Context) {
	for {
		select {
		case ch, ok := <-c.changes:
			if !ok {
				return
			}
			c.applyChange(ctx, ch)
		default:
			return
		}
	}
}

// drainPending 依次处理所有已排队的事件，使快照反映此前提交的全部事件
func (c *Controller) drainPending(ctx context.Context) {
	c.drainChanges(ctx)
	for {
		select {
		case ev := <-c.hopCh:
			c.handleRedirectHop(ev)
			continue
		default:
		}
		select {
		case ev := <-c.reqCh:
			c.handleRequest(ev)
			continue
		default:
		}
		select {
		case ev := <-c.matchCh:
			c.handleRuleMatch(ev)
			continue
		default:
		}
		select {
		case tab := <-c.closedCh:
			c.handleTabClosed(tab)
			continue
		default:
		}
		select {
		case seq := <-c.expiredCh:
			c.endPreview(ctx, seq)
			continue
		default:
		}
		return
	}
}

// Navigate 提交一次导航并等待决策
func (c *Controller) Navigate(ctx context.Context, ev domain.NavigationEvent) (gate.Decision, error) {
	req := navRequest{ev: ev, reply: make(chan gate.Decision, 1)}
	select {
	case c.navCh <- req:
	case <-ctx.Done():
		return gate.Decision{}, ctx.Err()
	case <-c.done:
		return gate.Decision{}, domain.ErrControllerStopped
	}
	select {
	case d := <-req.reply:
		return d, nil
	case <-ctx.Done():
		return gate.Decision{}, ctx.Err()
	}
}

// FollowRedirect 已放行导航的服务端重定向跳转，只更新地址缓存，不再重新决策
func (c *Controller) FollowRedirect(ev domain.NavigationEvent) {
	select {
	case c.hopCh <- ev:
	case <-c.done:
	}
}

// SubmitRequest 提交一次子资源请求
func (c *Controller) SubmitRequest(ev domain.RequestEvent) {
	select {
	case c.reqCh <- ev:
	case <-c.done:
	}
}

// SubmitRuleMatch 提交一次规则命中
func (c *Controller) SubmitRuleMatch(ev domain.RuleMatchEvent) {
	select {
	case c.matchCh <- ev:
	case <-c.done:
	}
}

// TabClosed 通知标签页关闭
func (c *Controller) TabClosed(tab domain.TabID) {
	select {
	case c.closedCh <- tab:
	case <-c.done:
	}
}

// SetPatterns 替换追踪器列表并重新安装规则，只保留最新一次
func (c *Controller) SetPatterns(patterns []string) {
	p := append([]string(nil), patterns...)
	for {
		select {
		case c.patternsCh <- p:
			return
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.patternsCh:
		default:
		}
	}
}

// EndPreview 立即结束当前预览
func (c *Controller) EndPreview() {
	select {
	case c.expiredCh <- 0:
	case <-c.done:
	}
}

// ApplyMode 切换模式并等待结果，失败时模式保持不变；与当前模式相同时不做任何事
func (c *Controller) ApplyMode(ctx context.Context, mode domain.PrivacyMode) error {
	req := applyRequest{mode: mode, reply: make(chan error, 1)}
	select {
	case c.applyCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrControllerStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot 读取状态快照
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.snapCh <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.done:
		return Snapshot{}, domain.ErrControllerStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// RuleMatchListener 将引擎的命中回调转为控制器事件
func (c *Controller) RuleMatchListener() dnr.MatchListener {
	return func(r rulespec.Rule, req dnr.Request) {
		c.SubmitRuleMatch(domain.RuleMatchEvent{
			RuleID: r.ID,
			Request: domain.RequestEvent{
				TabID:        req.TabID,
				URL:          req.URL,
				Initiator:    req.Initiator,
				ResourceType: string(req.ResourceType),
			},
		})
	}
}

// postExpired 在定时器协程中执行，只投递序号
func (c *Controller) postExpired(seq uint64) {
	select {
	case c.expiredCh <- seq:
	case <-c.done:
	}
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		Mode:             c.state.Mode,
		Stats:            c.state.Stats.Stats(),
		Badge:            c.state.Stats.BadgeText(),
		Trusted:          c.state.Ledger.Trusted(),
		PromptOnNewSites: c.state.Ledger.PromptOnNewSites(),
		NotifyEnabled:    c.state.Stats.NotifyEnabled(),
		Patterns:         append([]string(nil), c.state.Patterns...),
		Rules:            len(c.installed),
		PendingPreview:   c.state.Preview.Request(),
	}
	if a, ok := c.state.Preview.Active(); ok {
		s.Preview = &PreviewSnapshot{SiteBase: a.SiteBase, TabID: a.TabID, ArmedAt: a.ArmedAt.UnixMilli()}
	}
	return s
}

func (c *Controller) handleNavigation(ctx context.Context, ev domain.NavigationEvent) gate.Decision {
	d := c.gate.Decide(ev)
	if d.Verdict == gate.VerdictIgnore {
		return d
	}
	c.rec.ObserveDecision(d.Verdict.String())
	c.log.Debug("导航决策", "tab", int(ev.TabID), "url", ev.URL, "verdict", d.Verdict.String(), "site", d.SiteBase)

	// 内存槽位已同步清空，存储中的信号随后清理
	switch d.Verdict {
	case gate.VerdictPassBypassed:
		persist.BestEffort(c.log, "clear enterOnce", func() error {
			return c.store.Remove(ctx, storage.KeyEnterOnce)
		})
	case gate.VerdictArmPreview:
		c.rec.ObservePreview("armed")
		c.log.Info("预览开始", "site", d.SiteBase, "tab", int(ev.TabID))
		persist.BestEffort(c.log, "clear preview request", func() error {
			return c.store.Remove(ctx, storage.KeyPreview)
		})
	}
	return d
}

func (c *Controller) handleRedirectHop(ev domain.NavigationEvent) {
	if !ev.IsTopLevel() || !classifier.IsHTTP(ev.URL) || c.gate.IsInterstitial(ev.URL) {
		return
	}
	c.state.Locations.Set(ev.TabID, ev.URL)
}

func (c *Controller) handleRequest(ev domain.RequestEvent) {
	a, ok := c.state.Preview.Active()
	if !ok || a.TabID != ev.TabID {
		return
	}
	d, tracked := c.state.Preview.Observe(ev.TabID, ev.URL)
	if !tracked {
		return
	}
	c.rec.ObserveObserved()
	tab := ev.TabID
	c.logEvent(domain.KindNetworkObserved, domain.ObservedData{
		URL:          ev.URL,
		Domain:       d,
		ResourceType: ev.ResourceType,
		IsThirdParty: true,
		SiteBase:     a.SiteBase,
	}, &tab)
}

func (c *Controller) handleRuleMatch(ev domain.RuleMatchEvent) {
	req := ev.Request
	third := classifier.IsThirdParty(req.Initiator, req.URL)
	st := c.state.Stats.Count(third)
	c.rec.ObserveBlocked(third)

	c.host.SetBadgeText(c.state.Stats.BadgeText())
	c.persistStats(st)
	c.host.Broadcast(domain.StatsMessage{Type: domain.MessageStats, Mode: c.state.Mode, Stats: st})

	d := classifier.SiteOf(req.URL)
	c.maybeNotify(d)

	tab := req.TabID
	c.logEvent(domain.KindNetworkBlocked, domain.BlockedData{
		URL:          req.URL,
		Domain:       d,
		ResourceType: req.ResourceType,
		RuleID:       ev.RuleID,
		IsThirdParty: third,
	}, &tab)

	c.state.Preview.MarkBlocked(req.TabID, req.URL)
}

func (c *Controller) maybeNotify(d string) {
	if !c.state.Stats.ShouldNotify(d, c.clk.Now()) {
		return
	}
	c.rec.ObserveNotification()
	c.host.Notify("Tracker blocked", fmt.Sprintf("Blocked requests to %s", d))
}

// endPreview 结束预览：合并回执、记录汇总事件，并把标签页送回决策页
func (c *Controller) endPreview(ctx context.Context, seq uint64) {
	res, ok := c.state.Preview.End(seq)
	if !ok {
		return
	}
	c.rec.ObservePreview("completed")
	now := c.clk.Now().UnixMilli()

	added := preview.ReceiptDomains(res.Domains)
	persist.BestEffort(c.log, "merge receipt", func() error {
		_, err := c.store.MergeReceipt(ctx, res.SiteBase, now, func(existing []string) []string {
			return preview.MergeDomains(existing, added)
		})
		return err
	})

	tab := res.TabID
	c.logEvent(domain.KindPreviewSummary, domain.PreviewSummaryData{SiteBase: res.SiteBase, Domains: res.Domains}, &tab)
	c.host.Broadcast(domain.PreviewMessage{Type: domain.MessagePreview, SiteBase: res.SiteBase, Domains: res.Domains})
	c.log.Info("预览结束", "site", res.SiteBase, "tab", int(tab), "domains", len(res.Domains))

	dest, ok := c.state.Locations.Get(tab)
	if !ok {
		c.log.Warn("预览标签页没有缓存的地址，跳过回跳", "tab", int(tab))
		return
	}
	target := gate.InterstitialURL(c.opts.InterstitialURL, dest)
	// 跳转引发的文档请求由接入层直接放行，不经过本协程
	rctx, cancel := context.WithTimeout(ctx, redirectTimeout)
	defer cancel()
	persist.BestEffort(c.log, "redirect tab", func() error {
		return c.host.RedirectTab(rctx, tab, target)
	})
}

func (c *Controller) handleTabClosed(tab domain.TabID) {
	if c.state.Preview.Cancel(tab) {
		c.rec.ObservePreview("canceled")
		c.log.Info("标签页关闭，取消预览", "tab", int(tab))
	}
	c.state.Locations.Remove(tab)
}

func (c *Controller) handlePatterns(ctx context.Context, patterns []string) {
	prev := c.state.Patterns
	c.state.Patterns = patterns
	if err := c.installRules(ctx, c.state.Mode); err != nil {
		c.state.Patterns = prev
		c.log.Err(err, "追踪器列表更新失败，保留原列表")
		return
	}
	c.log.Info("追踪器列表已更新", "patterns", len(patterns))
}

// applyRules 切换模式：安装规则，成功后记录模式、清零计数并刷新徽标
func (c *Controller) applyRules(ctx context.Context, mode domain.PrivacyMode) error {
	if err := c.installRules(ctx, mode); err != nil {
		c.host.Broadcast(domain.ModeRejectedMessage{
			Type:      domain.MessageModeRejected,
			Requested: mode,
			Active:    c.state.Mode,
			Error:     err.Error(),
		})
		return err
	}
	c.state.Mode = mode
	c.state.Stats.Reset()
	st := c.state.Stats.Stats()
	c.persistStats(st)
	c.host.SetBadgeText(c.state.Stats.BadgeText())
	c.host.Broadcast(domain.StatsMessage{Type: domain.MessageStats, Mode: mode, Stats: st})
	return nil
}

// installRules 按当前追踪器列表与受信任域名整体替换规则集，不改变计数
func (c *Controller) installRules(ctx context.Context, mode domain.PrivacyMode) error {
	rules, err := c.compiler.Apply(ctx, mode, c.state.Patterns, c.state.Ledger.Trusted())
	c.rec.ObserveRuleApply(string(mode), len(rules), err)
	if err != nil {
		c.log.Err(err, "规则安装失败", "mode", string(mode), "active", string(c.state.Mode))
		return err
	}
	c.installed = rules
	return nil
}

// applyChange 将存储变更同步到内存状态
func (c *Controller) applyChange(ctx context.Context, ch storage.Change) {
	switch ch.Key {
	case storage.KeyPrivacyMode:
		mode := domain.DefaultMode
		if !ch.Removed {
			var s string
			if err := json.Unmarshal(ch.Value, &s); err != nil {
				c.log.Warn("忽略非法的模式值", "value", string(ch.Value))
				return
			}
			m, err := domain.ParsePrivacyMode(s)
			if err != nil {
				c.log.Warn("忽略非法的模式值", "value", s)
				return
			}
			mode = m
		}
		if mode == c.state.Mode {
			return
		}
		_ = c.applyRules(ctx, mode)

	case storage.KeyTrusted:
		var list []string
		if !ch.Removed {
			list = storage.TrustedFromRaw(ch.Value)
		}
		c.state.Ledger.SetTrusted(list)
		_ = c.installRules(ctx, c.state.Mode)

	case storage.KeyPromptOnNewSites:
		c.state.Ledger.SetPromptOnNewSites(storage.PromptFromRaw(ch.Value, !ch.Removed))

	case storage.KeyNotifyEnabled:
		c.state.Stats.SetNotifyEnabled(!ch.Removed && storage.BoolFromRaw(ch.Value))

	case storage.KeyEnterOnce:
		if ch.Removed {
			c.state.Ledger.SetEnterOnce(nil)
			return
		}
		var e domain.EnterOnce
		if err := json.Unmarshal(ch.Value, &e); err != nil {
			c.log.Warn("忽略非法的一次性放行信号", "value", string(ch.Value))
			return
		}
		c.state.Ledger.SetEnterOnce(&e)

	case storage.KeyPreview:
		if ch.Removed {
			c.state.Preview.SetRequest(nil)
			return
		}
		var p domain.PreviewRequest
		if err := json.Unmarshal(ch.Value, &p); err != nil {
			c.log.Warn("忽略非法的预览意图", "value", string(ch.Value))
			return
		}
		c.state.Preview.SetRequest(&p)
	}
}

func (c *Controller) persistStats(st domain.Stats) {
	persist.BestEffort(c.log, "persist stats", func() error {
		return c.store.SetStats(c.runCtx, st)
	})
}

func (c *Controller) logEvent(kind domain.EventKind, data any, tab *domain.TabID) {
	if o := c.events.LogEvent(kind, data, tab); !o.OK() {
		c.rec.ObserveEventFailure()
	}
}
