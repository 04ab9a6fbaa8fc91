// Package compiler 将隐私模式与受信任域名编译为声明式拦截规则集，并整体替换到引擎中
package compiler

import (
	"context"
	"fmt"
	"sort"

	"trackshield/internal/logger"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// 各模式的规则 ID 起点，区间互不重叠
const (
	StrictIDBase   = 100000
	ModerateIDBase = 200000
	idSpan         = 100000
)

// BlockedResourceTypes 规则拦截的资源类型
var BlockedResourceTypes = []rulespec.ResourceType{
	rulespec.ResourceTypeScript,
	rulespec.ResourceTypeXMLHTTPRequest,
	rulespec.ResourceTypeImage,
	rulespec.ResourceTypeSubFrame,
}

// RuleEngine 规则引擎能力，是编译器唯一依赖的外部组件
type RuleEngine interface {
	InstalledRuleIDs(ctx context.Context) ([]int, error)
	ReplaceRules(ctx context.Context, remove []int, add []rulespec.Rule) error
}

// IDBase 返回模式对应的 ID 起点，low 模式返回 0
func IDBase(mode domain.PrivacyMode) int {
	switch mode {
	case domain.ModeStrict:
		return StrictIDBase
	case domain.ModeModerate:
		return ModerateIDBase
	default:
		return 0
	}
}

// InNamespace 判断规则 ID 是否属于某模式的区间
func InNamespace(mode domain.PrivacyMode, id int) bool {
	base := IDBase(mode)
	return base > 0 && id >= base && id < base+idSpan
}

// Build 生成模式对应的规则集，low 模式返回空集
func Build(mode domain.PrivacyMode, patterns, trusted []string) []rulespec.Rule {
	base := IDBase(mode)
	if base == 0 {
		return []rulespec.Rule{}
	}

	excluded := normalizeTrusted(trusted)
	rules := make([]rulespec.Rule, 0, len(patterns))
	for i, p := range patterns {
		cond := rulespec.Condition{
			URLFilter:                p,
			ResourceTypes:            append([]rulespec.ResourceType(nil), BlockedResourceTypes...),
			ExcludedInitiatorDomains: append([]string(nil), excluded...),
		}
		// strict 连第一方提供的追踪脚本也拦截
		if mode == domain.ModeModerate {
			cond.DomainType = rulespec.DomainTypeThirdParty
		}
		rules = append(rules, rulespec.Rule{
			ID:        base + i + 1,
			Priority:  1,
			Action:    rulespec.Action{Type: rulespec.ActionBlock},
			Condition: cond,
		})
	}
	return rules
}

func normalizeTrusted(trusted []string) []string {
	seen := make(map[string]struct{}, len(trusted))
	out := make([]string, 0, len(trusted))
	for _, d := range trusted {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Compiler 规则编译器
type Compiler struct {
	engine RuleEngine
	log    logger.Logger
}

// New 创建规则编译器
func New(engine RuleEngine, log logger.Logger) *Compiler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Compiler{engine: engine, log: log}
}

// Apply 清空已安装规则并安装新模式的规则，删除与新增在同一次引擎调用中完成。
// 返回错误时引擎保留原规则集，调用方不得认为新模式已生效
func (c *Compiler) Apply(ctx context.Context, mode domain.PrivacyMode, patterns, trusted []string) ([]rulespec.Rule, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidMode, mode)
	}

	remove, err := c.engine.InstalledRuleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list installed rules: %v", domain.ErrRuleRejected, err)
	}

	add := Build(mode, patterns, trusted)
	if err := c.engine.ReplaceRules(ctx, remove, add); err != nil {
		c.log.Err(err, "规则替换失败，保留原规则集", "mode", string(mode), "remove", len(remove), "add", len(add))
		return nil, fmt.Errorf("%w: %v", domain.ErrRuleRejected, err)
	}

	c.log.Info("规则集已替换", "mode", string(mode), "removed", len(remove), "added", len(add), "trusted", len(trusted))
	return add, nil
}
