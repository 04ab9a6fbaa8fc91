// Package service 汇总界面与命令行使用的操作：设置读写、决策页动作、事件与规则查询
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trackshield/internal/cdphost"
	"trackshield/internal/classifier"
	"trackshield/internal/clock"
	"trackshield/internal/core"
	"trackshield/internal/dnr"
	"trackshield/internal/logger"
	"trackshield/internal/storage"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// ErrInvalidSite 无法解析出基础域名
var ErrInvalidSite = errors.New("invalid site")

// Controller 控制器能力
type Controller interface {
	ApplyMode(ctx context.Context, mode domain.PrivacyMode) error
	Snapshot(ctx context.Context) (core.Snapshot, error)
	EndPreview()
}

// RuleSource 已安装规则
type RuleSource interface {
	Rules() []rulespec.Rule
	GetStats() dnr.Stats
	ResetStats()
}

// TabLister 已附着标签页
type TabLister interface {
	Tabs() []cdphost.TabInfo
}

// Deps 依赖
type Deps struct {
	Store  *storage.Store
	Ctrl   Controller
	Events *repo.EventRepo
	Rules  RuleSource
	Tabs   TabLister // 可为空
	Clock  clock.Clock
	Logger logger.Logger
}

// Service 应用服务
type Service struct {
	store  *storage.Store
	ctrl   Controller
	events *repo.EventRepo
	rules  RuleSource
	tabs   TabLister
	clk    clock.Clock
	log    logger.Logger
}

// New 创建应用服务
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return &Service{
		store:  d.Store,
		ctrl:   d.Ctrl,
		events: d.Events,
		rules:  d.Rules,
		tabs:   d.Tabs,
		clk:    d.Clock,
		log:    d.Logger.With("component", "service"),
	}
}

// Status 当前状态快照
func (s *Service) Status(ctx context.Context) (core.Snapshot, error) {
	return s.ctrl.Snapshot(ctx)
}

// SetMode 先由控制器安装规则，成功后再写入存储。引擎拒绝时存储不变，返回仍在生效的模式与 ErrRuleRejected
func (s *Service) SetMode(ctx context.Context, raw string) (domain.PrivacyMode, error) {
	mode, err := domain.ParsePrivacyMode(raw)
	if err != nil {
		return "", err
	}
	if err := s.ctrl.ApplyMode(ctx, mode); err != nil {
		if !errors.Is(err, domain.ErrRuleRejected) {
			return "", err
		}
		snap, serr := s.ctrl.Snapshot(ctx)
		if serr != nil {
			return "", err
		}
		return snap.Mode, fmt.Errorf("%s kept, %s not applied: %w", snap.Mode, mode, err)
	}
	// 控制器已处于该模式，存储变更通知会被忽略
	if err := s.store.SetMode(ctx, mode); err != nil {
		return mode, err
	}
	s.log.Info("模式已切换", "mode", string(mode))
	return mode, nil
}

// SetNotifyEnabled 开关拦截通知
func (s *Service) SetNotifyEnabled(ctx context.Context, on bool) error {
	return s.store.Set(ctx, map[string]any{storage.KeyNotifyEnabled: on})
}

// SetPromptOnNewSites 开关新站点提示
func (s *Service) SetPromptOnNewSites(ctx context.Context, on bool) error {
	return s.store.Set(ctx, map[string]any{storage.KeyPromptOnNewSites: on})
}

// Trusted 受信任站点
func (s *Service) Trusted(ctx context.Context) ([]string, error) {
	return s.store.Trusted(ctx)
}

// AddTrusted 信任站点，参数可以是 URL、主机名或基础域名，返回写入的基础域名
func (s *Service) AddTrusted(ctx context.Context, site string) (string, error) {
	base, err := siteBase(site)
	if err != nil {
		return "", err
	}
	return base, s.store.AddTrusted(ctx, base)
}

// RemoveTrusted 取消信任
func (s *Service) RemoveTrusted(ctx context.Context, site string) error {
	base, err := siteBase(site)
	if err != nil {
		return err
	}
	return s.store.RemoveTrusted(ctx, base)
}

// EnterOnce 决策页“进入一次”：为 dest 所在站点写入一次性放行信号
func (s *Service) EnterOnce(ctx context.Context, dest string) (string, error) {
	base, err := siteBase(dest)
	if err != nil {
		return "", err
	}
	return base, s.store.SetEnterOnce(ctx, domain.EnterOnce{SiteBase: base, TS: s.clk.Now().UnixMilli()})
}

// RequestPreview 决策页“预览”：写入预览意图，下一次对该站点的导航开始捕获
func (s *Service) RequestPreview(ctx context.Context, dest string) (string, error) {
	base, err := siteBase(dest)
	if err != nil {
		return "", err
	}
	return base, s.store.SetPreviewRequest(ctx, domain.PreviewRequest{SiteBase: base, Dest: dest, TS: s.clk.Now().UnixMilli()})
}

// EndPreview 立即结束当前预览，没有活动预览时返回 ErrNoActivePreview
func (s *Service) EndPreview(ctx context.Context) error {
	snap, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Preview == nil {
		return domain.ErrNoActivePreview
	}
	s.ctrl.EndPreview()
	return nil
}

// Receipt 站点回执
func (s *Service) Receipt(ctx context.Context, site string) (domain.Receipt, bool, error) {
	base, err := siteBase(site)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	return s.store.Receipt(ctx, base)
}

// Receipts 全部回执
func (s *Service) Receipts(ctx context.Context) (map[string]domain.Receipt, error) {
	return s.store.Receipts(ctx)
}

// Events 查询遥测事件
func (s *Service) Events(ctx context.Context, opts repo.QueryOptions) ([]domain.MitigationEvent, error) {
	if err := s.events.Flush(ctx); err != nil {
		s.log.Err(err, "刷新事件缓冲失败")
	}
	return s.events.Query(ctx, opts)
}

// ClearEvents 清空遥测事件
func (s *Service) ClearEvents(ctx context.Context) error {
	return s.events.ClearAll(ctx)
}

// Rules 已安装的规则
func (s *Service) Rules() []rulespec.Rule { return s.rules.Rules() }

// RuleStats 引擎匹配统计
func (s *Service) RuleStats() dnr.Stats { return s.rules.GetStats() }

// ResetRuleStats 清零规则匹配统计，不影响站点拦截计数
func (s *Service) ResetRuleStats() {
	s.rules.ResetStats()
	s.log.Info("规则匹配统计已清零")
}

// Tabs 已附着的标签页
func (s *Service) Tabs() []cdphost.TabInfo {
	if s.tabs == nil {
		return []cdphost.TabInfo{}
	}
	return s.tabs.Tabs()
}

func siteBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	host := raw
	if strings.Contains(raw, "://") {
		host = classifier.HostOf(raw)
	}
	base := classifier.BaseDomain(strings.ToLower(host))
	if base == "" || strings.ContainsAny(base, "/ ?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSite, raw)
	}
	return base, nil
}
