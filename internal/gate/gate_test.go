package gate_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackshield/internal/bypass"
	"trackshield/internal/clock"
	"trackshield/internal/gate"
	"trackshield/internal/location"
	"trackshield/internal/preview"
	"trackshield/pkg/domain"
)

const interstitial = "http://127.0.0.1:8787/interstitial"

type fixture struct {
	gate    *gate.Gate
	clk     *clock.Fake
	ledger  *bypass.Ledger
	capture *preview.Capture
	locs    *location.Cache
	t0      time.Time
}

func newFixture() *fixture {
	t0 := time.UnixMilli(1_700_000_000_000)
	clk := clock.NewFake(t0)
	ledger := bypass.NewLedger(15 * time.Second)
	capture := preview.New(clk, 5*time.Second, nil)
	locs := location.New(16)
	return &fixture{
		gate:    gate.New(interstitial, ledger, capture, locs, clk),
		clk:     clk,
		ledger:  ledger,
		capture: capture,
		locs:    locs,
		t0:      t0,
	}
}

func nav(tab domain.TabID, u string) domain.NavigationEvent {
	return domain.NavigationEvent{TabID: tab, FrameID: 0, URL: u}
}

func TestDecide_Ignored(t *testing.T) {
	f := newFixture()
	assert.Equal(t, gate.VerdictIgnore, f.gate.Decide(domain.NavigationEvent{TabID: 1, FrameID: 3, URL: "https://a.com"}).Verdict)
	assert.Equal(t, gate.VerdictIgnore, f.gate.Decide(nav(1, "chrome://settings")).Verdict)
	assert.Equal(t, gate.VerdictIgnore, f.gate.Decide(nav(1, interstitial+"?dest=x")).Verdict)
	assert.Equal(t, 0, f.locs.Len(), "被忽略的导航不写缓存")
}

func TestDecide_RedirectEmbedsDestination(t *testing.T) {
	f := newFixture()
	dest := "https://news.com/story?id=1&x=y"
	d := f.gate.Decide(nav(4, dest))
	require.Equal(t, gate.VerdictRedirect, d.Verdict)

	u, err := url.Parse(d.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "/interstitial", u.Path)
	assert.Equal(t, dest, u.Query().Get("dest"))

	got, ok := f.locs.Get(4)
	assert.True(t, ok, "即便重定向也要写缓存")
	assert.Equal(t, dest, got)
}

func TestDecide_BypassConsumption(t *testing.T) {
	f := newFixture()
	f.ledger.SetEnterOnce(&domain.EnterOnce{SiteBase: "a.com", TS: f.t0.UnixMilli()})

	f.clk.Advance(time.Second)
	assert.Equal(t, gate.VerdictPassBypassed, f.gate.Decide(nav(1, "https://a.com/")).Verdict)
	assert.Nil(t, f.ledger.EnterOnce())

	f.clk.Advance(time.Second)
	assert.Equal(t, gate.VerdictRedirect, f.gate.Decide(nav(1, "https://a.com/")).Verdict)
}

func TestDecide_BypassTTL(t *testing.T) {
	f := newFixture()
	f.ledger.SetEnterOnce(&domain.EnterOnce{SiteBase: "a.com", TS: f.t0.UnixMilli()})
	f.clk.Advance(16 * time.Second)
	assert.Equal(t, gate.VerdictRedirect, f.gate.Decide(nav(1, "https://www.a.com/")).Verdict)
}

func TestDecide_PreviewArm(t *testing.T) {
	f := newFixture()
	f.capture.SetRequest(&domain.PreviewRequest{SiteBase: "news.com", Dest: "https://news.com/a", TS: f.t0.UnixMilli()})

	// 同站但 URL 不同，不能触发预览
	assert.Equal(t, gate.VerdictRedirect, f.gate.Decide(nav(7, "https://news.com/other")).Verdict)

	d := f.gate.Decide(nav(7, "https://news.com/a"))
	require.Equal(t, gate.VerdictArmPreview, d.Verdict)
	assert.Equal(t, domain.TabID(7), d.Preview.TabID)
	a, ok := f.capture.Active()
	require.True(t, ok)
	assert.Equal(t, "news.com", a.SiteBase)
	assert.Nil(t, f.capture.Request())
}

func TestDecide_Trust(t *testing.T) {
	f := newFixture()
	f.ledger.SetTrusted([]string{"shop.com"})
	assert.Equal(t, gate.VerdictPassTrusted, f.gate.Decide(nav(1, "https://www.shop.com/")).Verdict)

	f.ledger.SetPromptOnNewSites(false)
	assert.Equal(t, gate.VerdictPassTrusted, f.gate.Decide(nav(1, "https://unknown.org/")).Verdict)
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, "redirect", gate.VerdictRedirect.String())
	assert.False(t, gate.VerdictRedirect.Allows())
	assert.True(t, gate.VerdictArmPreview.Allows())
}
