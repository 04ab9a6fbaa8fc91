package eventlog_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackshield/internal/clock"
	"trackshield/internal/eventlog"
	"trackshield/internal/location"
	"trackshield/pkg/domain"
)

type memSink struct{ events []domain.MitigationEvent }

func (m *memSink) Record(e domain.MitigationEvent) { m.events = append(m.events, e) }

func newLog() (*eventlog.Log, *memSink, *location.Cache) {
	sink := &memSink{}
	locs := location.New(8)
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	mode := func() domain.PrivacyMode { return domain.ModeStrict }
	return eventlog.New(sink, locs, clk, mode, nil), sink, locs
}

func TestLogEvent_SiteFromLocationCache(t *testing.T) {
	l, sink, locs := newLog()
	locs.Set(7, "https://www.news.com/story")
	tab := domain.TabID(7)

	o := l.LogEvent(domain.KindNetworkBlocked, domain.BlockedData{URL: "https://tracker.io/x", Domain: "tracker.io", RuleID: 100001}, &tab)
	require.True(t, o.OK())
	require.Len(t, sink.events, 1)

	e := sink.events[0]
	assert.Equal(t, "news.com", *e.Site)
	assert.Equal(t, "https://www.news.com/story", *e.TopLevelURL)
	assert.Equal(t, 7, *e.TabID)
	assert.Equal(t, domain.ModeStrict, e.Mode)
	assert.Equal(t, "extension", e.Source)
	assert.Equal(t, int64(1_700_000_000_000), e.TS)
	assert.True(t, strings.HasPrefix(e.ID, "1700000000000-"))
	assert.Len(t, e.ID, len("1700000000000-")+8)
}

func TestLogEvent_SiteFromData(t *testing.T) {
	l, sink, _ := newLog()
	tab := domain.TabID(3) // 未缓存

	l.LogEvent(domain.KindPreviewSummary, domain.PreviewSummaryData{SiteBase: "shop.com"}, &tab)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "shop.com", *sink.events[0].Site)
	assert.Nil(t, sink.events[0].TopLevelURL)
}

func TestLogEvent_NullSite(t *testing.T) {
	l, sink, _ := newLog()
	l.LogEvent(domain.KindNetworkObserved, map[string]any{"url": "x"}, nil)
	require.Len(t, sink.events, 1)

	raw, err := json.Marshal(sink.events[0])
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"site", "topLevelUrl", "tabId"} {
		v, ok := m[k]
		assert.True(t, ok, "字段 %s 必须存在", k)
		assert.Nil(t, v, "字段 %s 应为 null", k)
	}
}

func TestLogEvent_FailureIsContained(t *testing.T) {
	l, sink, _ := newLog()
	o := l.LogEvent(domain.KindNetworkBlocked, func() {}, nil)
	assert.False(t, o.OK(), "无法编码的数据返回失败结果而不是 panic")
	assert.Empty(t, sink.events)

	noSink := eventlog.New(nil, nil, nil, nil, nil)
	assert.False(t, noSink.LogEvent(domain.KindNetworkBlocked, nil, nil).OK())
}
