package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"trackshield/pkg/domain"
)

// 共享存储中的键
const (
	KeyPrivacyMode      = "privacyMode"
	KeyNotifyEnabled    = "notifyEnabled"
	KeyTrusted          = "trusted"
	KeyPromptOnNewSites = "promptOnNewSites"
	KeyStats            = "stats"
	KeyReceipts         = "receipts"
	KeyEnterOnce        = "__enterOnce"
	KeyPreview          = "__preview"
)

// Mode 读取隐私模式，缺失或非法时返回默认模式
func (s *Store) Mode(ctx context.Context) (domain.PrivacyMode, error) {
	var v string
	ok, err := s.GetInto(ctx, KeyPrivacyMode, &v)
	if err != nil {
		return domain.DefaultMode, err
	}
	if !ok {
		return domain.DefaultMode, nil
	}
	m, err := domain.ParsePrivacyMode(v)
	if err != nil {
		s.log.Warn("存储中的隐私模式非法，使用默认值", "value", v)
		return domain.DefaultMode, nil
	}
	return m, nil
}

// SetMode 写入隐私模式
func (s *Store) SetMode(ctx context.Context, m domain.PrivacyMode) error {
	if !m.Valid() {
		_, err := domain.ParsePrivacyMode(string(m))
		return err
	}
	return s.Set(ctx, map[string]any{KeyPrivacyMode: string(m)})
}

// NotifyEnabled 读取桌面通知开关，缺失时为 false
func (s *Store) NotifyEnabled(ctx context.Context) (bool, error) {
	var v bool
	_, err := s.GetInto(ctx, KeyNotifyEnabled, &v)
	return v, err
}

// PromptOnNewSites 读取新站点提示开关，除非显式为 false 否则为 true
func (s *Store) PromptOnNewSites(ctx context.Context) (bool, error) {
	raw, ok, err := s.Get(ctx, KeyPromptOnNewSites)
	if err != nil {
		return true, err
	}
	return PromptFromRaw(raw, ok), nil
}

// PromptFromRaw 解析 promptOnNewSites 原始值
func PromptFromRaw(raw json.RawMessage, ok bool) bool {
	if !ok {
		return true
	}
	r := gjson.ParseBytes(raw)
	return !(r.Type == gjson.False)
}

// BoolFromRaw 解析布尔原始值，非 true 均视为 false
func BoolFromRaw(raw json.RawMessage) bool {
	return gjson.ParseBytes(raw).Type == gjson.True
}

// Trusted 读取受信任域名列表
func (s *Store) Trusted(ctx context.Context) ([]string, error) {
	raw, ok, err := s.Get(ctx, KeyTrusted)
	if err != nil || !ok {
		return []string{}, err
	}
	return TrustedFromRaw(raw), nil
}

// TrustedFromRaw 解析受信任列表原始值，忽略非字符串与空项
func TrustedFromRaw(raw json.RawMessage) []string {
	out := []string{}
	gjson.ParseBytes(raw).ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.Str != "" {
			out = append(out, v.Str)
		}
		return true
	})
	return out
}

// AddTrusted 追加受信任域名（已存在则不重复）
func (s *Store) AddTrusted(ctx context.Context, site string) error {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		return nil
	}
	s.rmw.Lock()
	defer s.rmw.Unlock()

	raw, ok, err := s.Get(ctx, KeyTrusted)
	if err != nil {
		return err
	}
	doc := "[]"
	if ok && gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsArray() {
		doc = string(raw)
	}
	for _, d := range TrustedFromRaw(json.RawMessage(doc)) {
		if d == site {
			return nil
		}
	}
	next, err := sjson.Set(doc, "-1", site)
	if err != nil {
		return err
	}
	return s.setRaw(ctx, map[string]string{KeyTrusted: next})
}

// RemoveTrusted 移除受信任域名
func (s *Store) RemoveTrusted(ctx context.Context, site string) error {
	s.rmw.Lock()
	defer s.rmw.Unlock()

	cur, err := s.Trusted(ctx)
	if err != nil {
		return err
	}
	next := make([]string, 0, len(cur))
	for _, d := range cur {
		if d != site {
			next = append(next, d)
		}
	}
	if len(next) == len(cur) {
		return nil
	}
	return s.Set(ctx, map[string]any{KeyTrusted: next})
}

// Stats 读取拦截计数
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	_, err := s.GetInto(ctx, KeyStats, &st)
	return st, err
}

// SetStats 写入拦截计数
func (s *Store) SetStats(ctx context.Context, st domain.Stats) error {
	return s.Set(ctx, map[string]any{KeyStats: st})
}

// Receipts 读取全部回执
func (s *Store) Receipts(ctx context.Context) (map[string]domain.Receipt, error) {
	out := map[string]domain.Receipt{}
	_, err := s.GetInto(ctx, KeyReceipts, &out)
	return out, err
}

// Receipt 读取单个站点的回执
func (s *Store) Receipt(ctx context.Context, site string) (domain.Receipt, bool, error) {
	raw, ok, err := s.Get(ctx, KeyReceipts)
	if err != nil || !ok {
		return domain.Receipt{}, false, err
	}
	r := gjson.GetBytes(raw, escapePath(site))
	if !r.Exists() || !r.IsObject() {
		return domain.Receipt{}, false, nil
	}
	var rec domain.Receipt
	if err := json.Unmarshal([]byte(r.Raw), &rec); err != nil {
		return domain.Receipt{}, false, err
	}
	return rec, true, nil
}

// MergeReceipt 将域名并入站点回执并更新 lastSeen，merge 决定新旧域名如何合并
func (s *Store) MergeReceipt(ctx context.Context, site string, lastSeen int64, merge func(existing []string) []string) (domain.Receipt, error) {
	s.rmw.Lock()
	defer s.rmw.Unlock()

	raw, ok, err := s.Get(ctx, KeyReceipts)
	if err != nil {
		return domain.Receipt{}, err
	}
	doc := "{}"
	if ok && gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject() {
		doc = string(raw)
	}

	path := escapePath(site)
	var existing []string
	gjson.Get(doc, path+".domains").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			existing = append(existing, v.Str)
		}
		return true
	})

	rec := domain.Receipt{LastSeen: lastSeen, Domains: merge(existing)}
	if rec.Domains == nil {
		rec.Domains = []string{}
	}
	next, err := sjson.Set(doc, path, rec)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := s.setRaw(ctx, map[string]string{KeyReceipts: next}); err != nil {
		return domain.Receipt{}, err
	}
	return rec, nil
}

// EnterOnce 读取一次性放行信号
func (s *Store) EnterOnce(ctx context.Context) (*domain.EnterOnce, error) {
	var e domain.EnterOnce
	ok, err := s.GetInto(ctx, KeyEnterOnce, &e)
	if err != nil || !ok || e.SiteBase == "" {
		return nil, err
	}
	return &e, nil
}

// SetEnterOnce 写入一次性放行信号
func (s *Store) SetEnterOnce(ctx context.Context, e domain.EnterOnce) error {
	return s.Set(ctx, map[string]any{KeyEnterOnce: e})
}

// PreviewRequest 读取预览意图
func (s *Store) PreviewRequest(ctx context.Context) (*domain.PreviewRequest, error) {
	var p domain.PreviewRequest
	ok, err := s.GetInto(ctx, KeyPreview, &p)
	if err != nil || !ok || p.SiteBase == "" {
		return nil, err
	}
	return &p, nil
}

// SetPreviewRequest 写入预览意图
func (s *Store) SetPreviewRequest(ctx context.Context, p domain.PreviewRequest) error {
	return s.Set(ctx, map[string]any{KeyPreview: p})
}

// Snapshot 设置项快照，供界面读取
type Snapshot struct {
	Mode             domain.PrivacyMode `json:"privacyMode"`
	NotifyEnabled    bool               `json:"notifyEnabled"`
	PromptOnNewSites bool               `json:"promptOnNewSites"`
	Trusted          []string           `json:"trusted"`
	Stats            domain.Stats       `json:"stats"`
}

// Snapshot 一次读取全部设置项
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Mode, err = s.Mode(ctx); err != nil {
		return snap, err
	}
	if snap.NotifyEnabled, err = s.NotifyEnabled(ctx); err != nil {
		return snap, err
	}
	if snap.PromptOnNewSites, err = s.PromptOnNewSites(ctx); err != nil {
		return snap, err
	}
	if snap.Trusted, err = s.Trusted(ctx); err != nil {
		return snap, err
	}
	sort.Strings(snap.Trusted)
	snap.Stats, err = s.Stats(ctx)
	return snap, err
}

// escapePath 转义 gjson/sjson 路径中的特殊字符
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '!', '\\', ':', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
