package preview_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackshield/internal/clock"
	"trackshield/internal/preview"
	"trackshield/pkg/domain"
)

func newCapture(t *testing.T) (*preview.Capture, *clock.Fake, *[]uint64) {
	t.Helper()
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	var fired []uint64
	c := preview.New(clk, 5*time.Second, func(seq uint64) { fired = append(fired, seq) })
	return c, clk, &fired
}

func TestMatchRequest_ExactURL(t *testing.T) {
	c, _, _ := newCapture(t)
	c.SetRequest(&domain.PreviewRequest{SiteBase: "news.com", Dest: "https://news.com/a", TS: 1})

	assert.False(t, c.MatchRequest("news.com", "https://news.com/b"), "同站不同 URL 不应触发")
	assert.NotNil(t, c.Request())
	assert.True(t, c.MatchRequest("news.com", "https://news.com/a"))
	assert.Nil(t, c.Request(), "命中后意图槽位清空")
}

func TestRoundTrip(t *testing.T) {
	c, clk, fired := newCapture(t)
	a := c.Arm("news.com", 7)

	c.Observe(7, "https://tracker.io/t.js")
	assert.True(t, c.MarkBlocked(7, "https://tracker.io/t.js"))
	_, tracked := c.Observe(7, "https://cdn.news.com/app.js")
	assert.False(t, tracked, "同站请求跳过")
	_, tracked = c.Observe(8, "https://other.net/x")
	assert.False(t, tracked, "其他标签页跳过")

	clk.Advance(5 * time.Second)
	require.Equal(t, []uint64{a.Seq}, *fired)

	res, ok := c.End(a.Seq)
	require.True(t, ok)
	assert.Equal(t, "news.com", res.SiteBase)
	assert.Equal(t, domain.TabID(7), res.TabID)
	assert.Equal(t, []domain.PreviewDomain{{Domain: "tracker.io", Blocked: true, Seen: true}}, res.Domains)
	assert.Equal(t, []string{"tracker.io (blocked)"}, preview.ReceiptDomains(res.Domains))

	_, ok = c.End(a.Seq)
	assert.False(t, ok, "重复结束为空操作")
}

func TestArm_PreemptsPrevious(t *testing.T) {
	c, clk, fired := newCapture(t)
	first := c.Arm("a.com", 1)
	c.Observe(1, "https://tracker.io/x")

	clk.Advance(2 * time.Second)
	second := c.Arm("b.com", 2)
	assert.NotEqual(t, first.Seq, second.Seq)

	_, ok := c.End(first.Seq)
	assert.False(t, ok, "旧序号不能结束新预览")

	clk.Advance(3 * time.Second)
	assert.Empty(t, *fired, "旧定时器已取消")
	clk.Advance(2 * time.Second)
	assert.Equal(t, []uint64{second.Seq}, *fired)

	res, ok := c.End(second.Seq)
	require.True(t, ok)
	assert.Empty(t, res.Domains, "新预览的观察记录应被清空")
}

func TestCancel(t *testing.T) {
	c, clk, fired := newCapture(t)
	c.Arm("a.com", 3)
	assert.False(t, c.Cancel(4))
	assert.True(t, c.Cancel(3))
	_, ok := c.Active()
	assert.False(t, ok)
	clk.Advance(10 * time.Second)
	assert.Empty(t, *fired)
}

func TestMergeDomains(t *testing.T) {
	got := preview.MergeDomains([]string{"a.com", "b.com (blocked)"}, []string{"b.com (blocked)", "c.com", "b.com"})
	assert.Equal(t, []string{"a.com", "b.com (blocked)", "c.com", "b.com"}, got)
}
