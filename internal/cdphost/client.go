// Package cdphost 通过 DevTools 协议接入浏览器：附着页面目标、暂停请求并交给控制器决策，
// 同时为控制器提供标签页重定向能力
package cdphost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"

	"trackshield/internal/logger"
	"trackshield/internal/pool"
	"trackshield/pkg/domain"
)

// DefaultPollInterval 目标列表的轮询间隔
const DefaultPollInterval = time.Second

// Options 参数
type Options struct {
	DevToolsURL     string
	PollInterval    time.Duration
	DecisionTimeout time.Duration
	InterstitialURL string // 指向决策页的导航不经过控制器
	Pool            *pool.Pool
	Logger          logger.Logger
}

// TabInfo 已附着的标签页
type TabInfo struct {
	TabID    domain.TabID `json:"tabId"`
	TargetID string       `json:"targetId"`
	URL      string       `json:"url"`
	Title    string       `json:"title"`
}

type session struct {
	info   TabInfo
	client *cdp.Client
	conn   *rpcc.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager 管理与浏览器的连接
type Manager struct {
	devtoolsURL string
	poll        time.Duration
	dispatcher  *Dispatcher
	nav         Navigator
	pool        *pool.Pool
	log         logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session // 按 targetID
	tabs     map[domain.TabID]string
	nextTab  domain.TabID
}

// New 创建管理器
func New(opts Options, nav Navigator, matcher Matcher) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	l = l.With("component", "cdphost")
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Manager{
		devtoolsURL: opts.DevToolsURL,
		poll:        poll,
		dispatcher:  NewDispatcher(nav, matcher, opts.DecisionTimeout, l).WithInterstitial(opts.InterstitialURL),
		nav:         nav,
		pool:        opts.Pool,
		log:         l,
		sessions:    make(map[string]*session),
		tabs:        make(map[domain.TabID]string),
	}
}

// TestConnection 检查 DevTools 端点是否可用
func (m *Manager) TestConnection(ctx context.Context) error {
	if _, err := devtool.New(m.devtoolsURL).List(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDevToolsUnreachable, err)
	}
	return nil
}

// Run 周期性同步页面目标，ctx 取消后断开全部会话
func (m *Manager) Run(ctx context.Context) error {
	defer m.closeAll()

	if err := m.sync(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDevToolsUnreachable, err)
	}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.sync(ctx); err != nil {
				m.log.Err(err, "同步目标列表失败")
			}
		}
	}
}

// sync 附着新出现的页面，并对消失的页面发送关闭通知
func (m *Manager) sync(ctx context.Context) error {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return err
	}

	alive := make(map[string]*devtool.Target, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		alive[string(t.ID)] = t
	}

	m.mu.RLock()
	var gone []string
	for id := range m.sessions {
		if _, ok := alive[id]; !ok {
			gone = append(gone, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range gone {
		m.detach(id)
	}

	for id, t := range alive {
		m.mu.Lock()
		s, ok := m.sessions[id]
		if ok {
			s.info.URL = t.URL
			s.info.Title = t.Title
		}
		m.mu.Unlock()
		if ok {
			continue
		}
		if err := m.attach(ctx, t); err != nil {
			m.log.Err(err, "附着页面失败", "targetID", id, "url", t.URL)
		}
	}
	return nil
}

func (m *Manager) attach(ctx context.Context, t *devtool.Target) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	conn, err := rpcc.DialContext(sessionCtx, t.WebSocketDebuggerURL,
		rpcc.WithWriteBufferSize(1024*1024),
		rpcc.WithCompression())
	if err != nil {
		cancel()
		return err
	}
	client := cdp.NewClient(conn)
	if err := enableFetch(sessionCtx, client); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("enable fetch: %w", err)
	}

	m.mu.Lock()
	m.nextTab++
	s := &session{
		info:   TabInfo{TabID: m.nextTab, TargetID: string(t.ID), URL: t.URL, Title: t.Title},
		client: client,
		conn:   conn,
		ctx:    sessionCtx,
		cancel: cancel,
	}
	m.sessions[s.info.TargetID] = s
	m.tabs[s.info.TabID] = s.info.TargetID
	m.mu.Unlock()

	go m.consume(s)
	m.log.Info("页面已附着", "tab", int(s.info.TabID), "targetID", s.info.TargetID, "url", t.URL)
	return nil
}

func (m *Manager) detach(targetID string) {
	m.mu.Lock()
	s, ok := m.sessions[targetID]
	if ok {
		delete(m.sessions, targetID)
		delete(m.tabs, s.info.TabID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	_ = s.conn.Close()
	m.dispatcher.Forget(s.info.TabID)
	m.nav.TabClosed(s.info.TabID)
	m.log.Info("页面已关闭", "tab", int(s.info.TabID), "targetID", targetID)
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.detach(id)
	}
}

// RedirectTab 将标签页导航到 url
func (m *Manager) RedirectTab(ctx context.Context, tab domain.TabID, url string) error {
	m.mu.RLock()
	var s *session
	if id, ok := m.tabs[tab]; ok {
		s = m.sessions[id]
	}
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("%w: %d", domain.ErrTabNotFound, tab)
	}
	_, err := s.client.Page.Navigate(ctx, page.NewNavigateArgs(url))
	return err
}

// Tabs 已附着的标签页，按 TabID 排序
func (m *Manager) Tabs() []TabInfo {
	m.mu.RLock()
	out := make([]TabInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}
