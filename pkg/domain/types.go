package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TabID 浏览器标签页 ID
type TabID int

// PrivacyMode 隐私模式，决定安装哪些声明式拦截规则
type PrivacyMode string

const (
	ModeLow      PrivacyMode = "low"      // 不安装任何规则
	ModeModerate PrivacyMode = "moderate" // 仅拦截第三方请求
	ModeStrict   PrivacyMode = "strict"   // 不区分第一方/第三方
)

// DefaultMode 未持久化模式时使用的默认模式
const DefaultMode = ModeModerate

// Valid 判断模式是否合法
func (m PrivacyMode) Valid() bool {
	switch m {
	case ModeLow, ModeModerate, ModeStrict:
		return true
	default:
		return false
	}
}

// ParsePrivacyMode 解析模式字符串（忽略大小写与首尾空白）
func ParsePrivacyMode(s string) (PrivacyMode, error) {
	m := PrivacyMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// NavigationEvent 顶层或子框架的导航前事件
type NavigationEvent struct {
	TabID   TabID  `json:"tabId"`
	FrameID int    `json:"frameId"` // 0 表示顶层框架
	URL     string `json:"url"`
}

// IsTopLevel 是否为顶层框架导航
func (e NavigationEvent) IsTopLevel() bool { return e.FrameID == 0 }

// RequestEvent 标签页发出的子资源请求
type RequestEvent struct {
	TabID        TabID  `json:"tabId"`
	URL          string `json:"url"`
	Initiator    string `json:"initiator,omitempty"` // 发起方 origin
	ResourceType string `json:"resourceType"`
}

// RuleMatchEvent 声明式规则命中事件
type RuleMatchEvent struct {
	RuleID  int          `json:"ruleId"`
	Request RequestEvent `json:"request"`
}

// EventKind 遥测事件类型
type EventKind string

const (
	KindNetworkBlocked  EventKind = "network.blocked"
	KindNetworkObserved EventKind = "network.observed"
	KindPreviewSummary  EventKind = "preview.summary"
)

// EventSource 事件来源，固定为 extension
const EventSource = "extension"

// MitigationEvent 遥测事件信封，字段形状为对下游的冻结契约
type MitigationEvent struct {
	ID          string          `json:"id"`
	TS          int64           `json:"ts"`
	Site        *string         `json:"site"`
	TopLevelURL *string         `json:"topLevelUrl"`
	TabID       *int            `json:"tabId"`
	Mode        PrivacyMode     `json:"mode"`
	Source      string          `json:"source"`
	Kind        EventKind       `json:"kind"`
	Data        json.RawMessage `json:"data"`
}

// BlockedData network.blocked 的 data
type BlockedData struct {
	URL          string `json:"url"`
	Domain       string `json:"domain"`
	ResourceType string `json:"resourceType"`
	RuleID       int    `json:"ruleId"`
	IsThirdParty bool   `json:"isThirdParty"`
}

// ObservedData network.observed 的 data
type ObservedData struct {
	URL          string `json:"url"`
	Domain       string `json:"domain"`
	ResourceType string `json:"resourceType"`
	IsThirdParty bool   `json:"isThirdParty"`
	SiteBase     string `json:"siteBase"`
}

// PreviewDomain 预览期间观察到的单个域名
type PreviewDomain struct {
	Domain  string `json:"domain"`
	Blocked bool   `json:"blocked"`
	Seen    bool   `json:"seen"`
}

// PreviewSummaryData preview.summary 的 data
type PreviewSummaryData struct {
	SiteBase string          `json:"siteBase"`
	Domains  []PreviewDomain `json:"domains"`
}

// Stats 拦截计数（自当前模式生效起）
type Stats struct {
	FirstParty int64 `json:"firstParty"`
	ThirdParty int64 `json:"thirdParty"`
}

// Total 总拦截数
func (s Stats) Total() int64 { return s.FirstParty + s.ThirdParty }

// Receipt 站点的预览回执
type Receipt struct {
	LastSeen int64    `json:"lastSeen"`
	Domains  []string `json:"domains"`
}

// EnterOnce 一次性放行信号
type EnterOnce struct {
	SiteBase string `json:"siteBase"`
	TS       int64  `json:"ts"`
}

// PreviewRequest 预览意图信号
type PreviewRequest struct {
	SiteBase string `json:"siteBase"`
	Dest     string `json:"dest"`
	TS       int64  `json:"ts"`
}

// StatsMessage 广播给 UI 的统计消息
type StatsMessage struct {
	Type  string      `json:"type"`
	Mode  PrivacyMode `json:"mode"`
	Stats Stats       `json:"stats"`
}

// 广播消息类型
const (
	MessageStats        = "stats"
	MessagePreview      = "preview"
	MessageModeRejected = "modeRejected"
)

// PreviewMessage 预览结束时广播的消息
type PreviewMessage struct {
	Type     string          `json:"type"`
	SiteBase string          `json:"siteBase"`
	Domains  []PreviewDomain `json:"domains"`
}

// ModeRejectedMessage 模式切换失败时广播的消息
type ModeRejectedMessage struct {
	Type      string      `json:"type"`
	Requested PrivacyMode `json:"requested"`
	Active    PrivacyMode `json:"active"`
	Error     string      `json:"error"`
}
