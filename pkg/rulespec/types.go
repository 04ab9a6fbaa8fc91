// Package rulespec 定义声明式网络拦截规则的类型规范
package rulespec

import (
	"errors"
	"fmt"
	"strings"
)

// ActionType 行为类型
type ActionType string

const (
	ActionBlock ActionType = "block" // 拦截请求
)

// DomainType 请求相对发起方的归属
type DomainType string

const (
	DomainTypeFirstParty DomainType = "firstParty"
	DomainTypeThirdParty DomainType = "thirdParty"
)

// ResourceType 资源类型（与声明式引擎命名保持一致）
type ResourceType string

const (
	ResourceTypeMainFrame      ResourceType = "main_frame"
	ResourceTypeSubFrame       ResourceType = "sub_frame"
	ResourceTypeStylesheet     ResourceType = "stylesheet"
	ResourceTypeScript         ResourceType = "script"
	ResourceTypeImage          ResourceType = "image"
	ResourceTypeFont           ResourceType = "font"
	ResourceTypeXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourceTypePing           ResourceType = "ping"
	ResourceTypeMedia          ResourceType = "media"
	ResourceTypeWebSocket      ResourceType = "websocket"
	ResourceTypeOther          ResourceType = "other"
)

var knownResourceTypes = map[ResourceType]struct{}{
	ResourceTypeMainFrame: {}, ResourceTypeSubFrame: {}, ResourceTypeStylesheet: {},
	ResourceTypeScript: {}, ResourceTypeImage: {}, ResourceTypeFont: {},
	ResourceTypeXMLHTTPRequest: {}, ResourceTypePing: {}, ResourceTypeMedia: {},
	ResourceTypeWebSocket: {}, ResourceTypeOther: {},
}

// Known 是否为已知资源类型
func (r ResourceType) Known() bool {
	_, ok := knownResourceTypes[r]
	return ok
}

// Rule 动态规则定义
type Rule struct {
	ID        int       `json:"id"`        // 规则 ID，按模式分段
	Priority  int       `json:"priority"`  // 优先级，数值越大越优先
	Action    Action    `json:"action"`    // 命中后的行为
	Condition Condition `json:"condition"` // 匹配条件
}

// Action 行为定义
type Action struct {
	Type ActionType `json:"type"`
}

// Condition 匹配条件
type Condition struct {
	URLFilter                string         `json:"urlFilter"`
	ResourceTypes            []ResourceType `json:"resourceTypes,omitempty"`
	DomainType               DomainType     `json:"domainType,omitempty"`
	ExcludedInitiatorDomains []string       `json:"excludedInitiatorDomains,omitempty"`
}

// Validate 校验规则是否可以被引擎接受
func (r *Rule) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule id must be positive, got %d", r.ID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("rule %d: priority must be >= 1", r.ID)
	}
	if r.Action.Type != ActionBlock {
		return fmt.Errorf("rule %d: unsupported action %q", r.ID, r.Action.Type)
	}
	if strings.TrimSpace(r.Condition.URLFilter) == "" {
		return fmt.Errorf("rule %d: empty urlFilter", r.ID)
	}
	if len(r.Condition.ResourceTypes) == 0 {
		return fmt.Errorf("rule %d: resourceTypes must not be empty", r.ID)
	}
	for _, rt := range r.Condition.ResourceTypes {
		if !rt.Known() {
			return fmt.Errorf("rule %d: unknown resource type %q", r.ID, rt)
		}
	}
	switch r.Condition.DomainType {
	case "", DomainTypeFirstParty, DomainTypeThirdParty:
	default:
		return fmt.Errorf("rule %d: unknown domainType %q", r.ID, r.Condition.DomainType)
	}
	for _, d := range r.Condition.ExcludedInitiatorDomains {
		if strings.TrimSpace(d) == "" {
			return errors.New("excludedInitiatorDomains contains an empty domain")
		}
	}
	return nil
}

// HasResourceType 条件是否包含指定资源类型
func (c *Condition) HasResourceType(rt ResourceType) bool {
	for _, v := range c.ResourceTypes {
		if v == rt {
			return true
		}
	}
	return false
}
