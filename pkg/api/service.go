package api

import (
	"context"

	"trackshield/internal/cdphost"
	"trackshield/internal/core"
	"trackshield/internal/dnr"
	"trackshield/internal/service"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// Service 界面与命令行可调用的操作
type Service interface {
	// Status 当前状态快照
	Status(ctx context.Context) (core.Snapshot, error)

	// SetMode 切换隐私模式，引擎拒绝时返回仍生效的模式与错误
	SetMode(ctx context.Context, mode string) (domain.PrivacyMode, error)

	// SetNotifyEnabled 开关拦截通知
	SetNotifyEnabled(ctx context.Context, on bool) error

	// SetPromptOnNewSites 开关新站点提示
	SetPromptOnNewSites(ctx context.Context, on bool) error

	// Trusted 受信任站点
	Trusted(ctx context.Context) ([]string, error)

	// AddTrusted 信任站点
	AddTrusted(ctx context.Context, site string) (string, error)

	// RemoveTrusted 取消信任
	RemoveTrusted(ctx context.Context, site string) error

	// EnterOnce 一次性放行
	EnterOnce(ctx context.Context, dest string) (string, error)

	// RequestPreview 请求预览
	RequestPreview(ctx context.Context, dest string) (string, error)

	// EndPreview 结束预览
	EndPreview(ctx context.Context) error

	// Receipt 站点回执
	Receipt(ctx context.Context, site string) (domain.Receipt, bool, error)

	// Receipts 全部回执
	Receipts(ctx context.Context) (map[string]domain.Receipt, error)

	// Events 查询事件
	Events(ctx context.Context, opts repo.QueryOptions) ([]domain.MitigationEvent, error)

	// ClearEvents 清空事件
	ClearEvents(ctx context.Context) error

	// Rules 已安装规则
	Rules() []rulespec.Rule

	// RuleStats 规则匹配统计
	RuleStats() dnr.Stats

	// ResetRuleStats 清零规则匹配统计
	ResetRuleStats()

	// Tabs 已附着标签页
	Tabs() []cdphost.TabInfo
}

// NewService 创建服务实现
func NewService(d service.Deps) Service {
	return service.New(d)
}
