// Package dnr 实现进程内的声明式网络拦截引擎
//
// 规则集只能通过 ReplaceRules 整体替换：先校验全部新增规则，再在同一把锁内
// 完成删除与新增，任何一条规则非法时整个调用被拒绝，已安装规则保持不变。
package dnr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trackshield/internal/classifier"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// Request 待评估的子资源请求
type Request struct {
	TabID        domain.TabID
	URL          string
	Initiator    string
	ResourceType rulespec.ResourceType
}

// MatchListener 规则命中回调
type MatchListener func(rule rulespec.Rule, req Request)

type compiledRule struct {
	rule rulespec.Rule
}

// Engine 声明式拦截引擎
type Engine struct {
	mu        sync.RWMutex
	rules     map[int]*compiledRule
	ordered   []*compiledRule // 按优先级降序、ID 升序
	listeners map[int]MatchListener
	nextLis   int
	filters   filterCache
	total     int64
	matched   int64
	byRule    map[int]int64
}

// New 创建空规则集的引擎
func New() *Engine {
	return &Engine{
		rules:     make(map[int]*compiledRule),
		listeners: make(map[int]MatchListener),
		byRule:    make(map[int]int64),
	}
}

// InstalledRuleIDs 返回当前已安装的全部规则 ID（升序）
func (e *Engine) InstalledRuleIDs(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int, 0, len(e.rules))
	for id := range e.rules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Rules 返回当前规则集快照（按 ID 升序）
func (e *Engine) Rules() []rulespec.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]rulespec.Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReplaceRules 原子地删除 remove 中的规则并安装 add 中的规则
func (e *Engine) ReplaceRules(ctx context.Context, remove []int, add []rulespec.Rule) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	// 校验阶段不持锁，失败时不触碰现有规则
	incoming := make(map[int]*compiledRule, len(add))
	for i := range add {
		r := add[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRuleRejected, err)
		}
		if _, dup := incoming[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %d", domain.ErrRuleRejected, r.ID)
		}
		if _, err := e.filters.get(r.Condition.URLFilter); err != nil {
			return fmt.Errorf("%w: rule %d: bad urlFilter: %v", domain.ErrRuleRejected, r.ID, err)
		}
		r.Condition.ResourceTypes = append([]rulespec.ResourceType(nil), r.Condition.ResourceTypes...)
		r.Condition.ExcludedInitiatorDomains = append([]string(nil), r.Condition.ExcludedInitiatorDomains...)
		incoming[r.ID] = &compiledRule{rule: r}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	removing := make(map[int]struct{}, len(remove))
	for _, id := range remove {
		removing[id] = struct{}{}
	}
	for id := range incoming {
		if _, exists := e.rules[id]; exists {
			if _, gone := removing[id]; !gone {
				return fmt.Errorf("%w: rule id %d already installed", domain.ErrRuleRejected, id)
			}
		}
	}

	next := make(map[int]*compiledRule, len(e.rules)+len(incoming))
	for id, cr := range e.rules {
		if _, gone := removing[id]; !gone {
			next[id] = cr
		}
	}
	for id, cr := range incoming {
		next[id] = cr
	}

	ordered := make([]*compiledRule, 0, len(next))
	for _, cr := range next {
		ordered = append(ordered, cr)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].rule.Priority != ordered[j].rule.Priority {
			return ordered[i].rule.Priority > ordered[j].rule.Priority
		}
		return ordered[i].rule.ID < ordered[j].rule.ID
	})

	e.rules = next
	e.ordered = ordered
	return nil
}

// OnRuleMatched 注册规则命中回调，返回取消函数
func (e *Engine) OnRuleMatched(l MatchListener) func() {
	e.mu.Lock()
	id := e.nextLis
	e.nextLis++
	e.listeners[id] = l
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Match 评估请求，命中时返回优先级最高的规则并通知监听者
func (e *Engine) Match(req Request) (rulespec.Rule, bool) {
	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	var hit *compiledRule
	for _, cr := range ordered {
		if e.matchRule(&cr.rule, req) {
			hit = cr
			break
		}
	}

	e.mu.Lock()
	e.total++
	var listeners []MatchListener
	if hit != nil {
		e.matched++
		e.byRule[hit.rule.ID]++
		listeners = make([]MatchListener, 0, len(e.listeners))
		for _, l := range e.listeners {
			listeners = append(listeners, l)
		}
	}
	e.mu.Unlock()

	if hit == nil {
		return rulespec.Rule{}, false
	}
	for _, l := range listeners {
		l(hit.rule, req)
	}
	return hit.rule, true
}

// matchRule 评估单条规则
func (e *Engine) matchRule(r *rulespec.Rule, req Request) bool {
	c := &r.Condition
	if !c.HasResourceType(req.ResourceType) {
		return false
	}
	switch c.DomainType {
	case rulespec.DomainTypeThirdParty:
		if !classifier.IsThirdParty(req.Initiator, req.URL) {
			return false
		}
	case rulespec.DomainTypeFirstParty:
		if classifier.IsThirdParty(req.Initiator, req.URL) {
			return false
		}
	}
	if len(c.ExcludedInitiatorDomains) > 0 {
		if host := classifier.HostOf(req.Initiator); host != "" {
			for _, d := range c.ExcludedInitiatorDomains {
				if classifier.MatchesDomain(host, d) {
					return false
				}
			}
		}
	}
	re, err := e.filters.get(c.URLFilter)
	if err != nil {
		return false
	}
	return re.MatchString(req.URL)
}

// Stats 引擎统计
type Stats struct {
	Total   int64
	Matched int64
	ByRule  map[int]int64
}

// GetStats 获取统计信息
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byRule := make(map[int]int64, len(e.byRule))
	for k, v := range e.byRule {
		byRule[k] = v
	}
	return Stats{Total: e.total, Matched: e.matched, ByRule: byRule}
}

// ResetStats 重置统计信息
func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = 0
	e.matched = 0
	e.byRule = make(map[int]int64)
}
