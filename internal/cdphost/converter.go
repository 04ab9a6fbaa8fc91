package cdphost

import (
	"net/url"
	"strings"
	"sync"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

// ToPaused 将 Fetch.requestPaused 事件转换为 Paused
func ToPaused(ev *fetch.RequestPausedReply, targetID string) Paused {
	p := Paused{
		RequestID:    string(ev.RequestID),
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: string(ev.ResourceType),
		FrameID:      string(ev.FrameID),
		TargetID:     targetID,
		Referer:      headerValue(ev.Request.Headers, "Referer"),
	}
	if ev.NetworkID != nil {
		p.NetworkID = string(*ev.NetworkID)
	}
	if ev.RedirectedRequestID != nil {
		p.RedirectedBy = string(*ev.RedirectedRequestID)
	}
	return p
}

// headerValue 按名称读取请求头，名称不区分大小写
func headerValue(headers []byte, name string) string {
	if len(headers) == 0 {
		return ""
	}
	var v string
	gjson.ParseBytes(headers).ForEach(func(k, val gjson.Result) bool {
		if strings.EqualFold(k.String(), name) {
			v = val.String()
			return false
		}
		return true
	})
	return v
}

// ResourceType 将协议资源类型映射为规则使用的资源类型
func ResourceType(protocolType string, mainFrame bool) rulespec.ResourceType {
	switch protocolType {
	case "Document":
		if mainFrame {
			return rulespec.ResourceTypeMainFrame
		}
		return rulespec.ResourceTypeSubFrame
	case "Stylesheet":
		return rulespec.ResourceTypeStylesheet
	case "Script":
		return rulespec.ResourceTypeScript
	case "Image":
		return rulespec.ResourceTypeImage
	case "Font":
		return rulespec.ResourceTypeFont
	case "XHR", "Fetch", "EventSource":
		return rulespec.ResourceTypeXMLHTTPRequest
	case "Ping", "CSPViolationReport":
		return rulespec.ResourceTypePing
	case "Media", "TextTrack":
		return rulespec.ResourceTypeMedia
	case "WebSocket":
		return rulespec.ResourceTypeWebSocket
	default:
		return rulespec.ResourceTypeOther
	}
}

func originOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// originTable 标签页当前文档的 origin，作为子请求的发起方
type originTable struct {
	mu sync.RWMutex
	m  map[domain.TabID]string
}

func newOriginTable() *originTable {
	return &originTable{m: make(map[domain.TabID]string)}
}

func (t *originTable) set(tab domain.TabID, docURL string) {
	o := originOf(docURL)
	if o == "" {
		return
	}
	t.mu.Lock()
	t.m[tab] = o
	t.mu.Unlock()
}

func (t *originTable) get(tab domain.TabID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[tab]
}

func (t *originTable) remove(tab domain.TabID) {
	t.mu.Lock()
	delete(t.m, tab)
	t.mu.Unlock()
}
