package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"trackshield/internal/clock"
	"trackshield/internal/core"
	"trackshield/internal/dnr"
	"trackshield/internal/gate"
	"trackshield/internal/httpapi"
	"trackshield/internal/hub"
	"trackshield/internal/service"
	"trackshield/internal/stats"
	"trackshield/internal/storage"
	"trackshield/internal/storage/db"
	"trackshield/internal/storage/model"
	"trackshield/internal/storage/repo"
	"trackshield/pkg/api"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

type gatedEngine struct {
	*dnr.Engine
	mu     sync.Mutex
	reject bool
}

func (g *gatedEngine) ReplaceRules(ctx context.Context, remove []int, add []rulespec.Rule) error {
	g.mu.Lock()
	reject := g.reject
	g.mu.Unlock()
	if reject {
		return errors.New("quota exceeded")
	}
	return g.Engine.ReplaceRules(ctx, remove, add)
}

// testHost 忽略重定向
type testHost struct {
	*hub.Hub
}

func (testHost) RedirectTab(context.Context, domain.TabID, string) error { return nil }

type env struct {
	srv    *httptest.Server
	ctrl   *core.Controller
	store  *storage.Store
	engine *gatedEngine
	hub    *hub.Hub
	clk    *clock.Fake
	ctx    context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.New(db.Options{Name: db.MemoryName})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, model.All()...))

	store := storage.NewStore(gdb, nil)
	events := repo.NewEventRepo(gdb, repo.EventRepoOptions{FlushInterval: time.Hour})
	engine := &gatedEngine{Engine: dnr.New()}
	h := hub.New(nil)
	reg := prometheus.NewRegistry()
	rec := stats.NewRecorder(reg)
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))

	ctrl := core.New(store, engine, events, testHost{h}, core.Options{
		InterstitialURL: "http://127.0.0.1:8787/interstitial",
		PreviewWindow:   5 * time.Second,
		EnterOnceTTL:    15 * time.Second,
		NotifyThrottle:  time.Minute,
		BadgeCeiling:    999,
		Patterns:        []string{"tracker.io"},
		Clock:           clk,
		Recorder:        rec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Start(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()

	svc := api.NewService(service.Deps{Store: store, Ctrl: ctrl, Events: events, Rules: engine, Clock: clk})
	srv := httptest.NewServer(httpapi.NewServer(svc, httpapi.Options{Hub: h, Metrics: stats.Handler(reg)}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		events.Stop()
		_ = db.Close(gdb)
	})
	return &env{srv: srv, ctrl: ctrl, store: store, engine: engine, hub: h, clk: clk, ctx: ctx}
}

func (e *env) call(t *testing.T, method string, params any) gjson.Result {
	t.Helper()
	body := map[string]any{"method": method, "id": "1"}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+httpapi.PathAPI, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	res := gjson.ParseBytes(out)
	assert.Equal(t, "1", res.Get("id").String())
	return res
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func (e *env) decide(t *testing.T, action, dest string) *http.Response {
	t.Helper()
	resp, err := noRedirect().PostForm(e.srv.URL+httpapi.PathDecide, url.Values{"action": {action}, "dest": {dest}})
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestInterstitial_RendersReceipt(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.MergeReceipt(e.ctx, "news.com", 1, func([]string) []string {
		return []string{"ads.net", "tracker.io (blocked)"}
	})
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/interstitial?dest=" + url.QueryEscape("https://www.news.com/today"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	page := string(body)
	assert.Contains(t, page, "<code>news.com</code>")
	assert.Contains(t, page, "ads.net")
	assert.Contains(t, page, `class="blocked">tracker.io (blocked)`)
	assert.Contains(t, page, `value="https://www.news.com/today"`)
}

func TestInterstitial_RejectsBadDest(t *testing.T) {
	e := newEnv(t)
	for _, dest := range []string{"", "javascript:alert(1)", "ftp://x.com/"} {
		resp, err := http.Get(e.srv.URL + "/interstitial?dest=" + url.QueryEscape(dest))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, dest)
	}
}

func TestDecide_EnterOnce(t *testing.T) {
	e := newEnv(t)
	dest := "https://a.com/page"
	resp := e.decide(t, "enter", dest)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, dest, resp.Header.Get("Location"))

	d, err := e.ctrl.Navigate(e.ctx, domain.NavigationEvent{TabID: 1, URL: dest})
	require.NoError(t, err)
	assert.Equal(t, gate.VerdictPassBypassed, d.Verdict)

	d, err = e.ctrl.Navigate(e.ctx, domain.NavigationEvent{TabID: 1, URL: dest})
	require.NoError(t, err)
	assert.Equal(t, gate.VerdictRedirect, d.Verdict)
}

func TestDecide_Trust(t *testing.T) {
	e := newEnv(t)
	resp := e.decide(t, "trust", "https://shop.example.com/")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	d, err := e.ctrl.Navigate(e.ctx, domain.NavigationEvent{TabID: 1, URL: "https://www.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, gate.VerdictPassTrusted, d.Verdict)

	list := e.call(t, "trusted.list", nil).Get("result").Array()
	require.Len(t, list, 1)
	assert.Equal(t, "example.com", list[0].String())
}

func TestDecide_PreviewArmsOnNextNavigation(t *testing.T) {
	e := newEnv(t)
	dest := "https://news.com/front"
	resp := e.decide(t, "preview", dest)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	d, err := e.ctrl.Navigate(e.ctx, domain.NavigationEvent{TabID: 4, URL: dest})
	require.NoError(t, err)
	assert.Equal(t, gate.VerdictArmPreview, d.Verdict)
	assert.Equal(t, "news.com", d.SiteBase)
}

func TestDecide_UnknownAction(t *testing.T) {
	e := newEnv(t)
	resp := e.decide(t, "explode", "https://a.com/")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SetMode(t *testing.T) {
	e := newEnv(t)

	res := e.call(t, "settings.setMode", map[string]string{"mode": "strict"})
	assert.False(t, res.Get("error").Exists(), res.Raw)
	assert.Equal(t, "strict", res.Get("result.mode").String())
	assert.Equal(t, "strict", e.call(t, "settings.get", nil).Get("result.mode").String())

	res = e.call(t, "settings.setMode", map[string]string{"mode": "paranoid"})
	assert.Equal(t, "invalid_params", res.Get("error.code").String())
}

func TestAPI_SetModeRejectedKeepsActiveMode(t *testing.T) {
	e := newEnv(t)
	e.engine.mu.Lock()
	e.engine.reject = true
	e.engine.mu.Unlock()

	res := e.call(t, "settings.setMode", map[string]string{"mode": "strict"})
	assert.Equal(t, "rejected", res.Get("error.code").String())
	assert.Equal(t, "moderate", res.Get("result.mode").String())

	snap, err := e.ctrl.Snapshot(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeModerate, snap.Mode)
	stored, err := e.store.Mode(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeModerate, stored, "拒绝时存储中的模式不变")
}

func TestAPI_TrustedAddNormalizesAndRemoves(t *testing.T) {
	e := newEnv(t)
	res := e.call(t, "trusted.add", map[string]string{"site": "https://WWW.Shop.com/cart"})
	assert.Equal(t, "shop.com", res.Get("result.site").String())

	for _, r := range e.engine.Rules() {
		assert.Equal(t, []string{"shop.com"}, r.Condition.ExcludedInitiatorDomains)
	}

	res = e.call(t, "trusted.remove", map[string]string{"site": "shop.com"})
	assert.False(t, res.Get("error").Exists())
	assert.Empty(t, e.call(t, "trusted.list", nil).Get("result").Array())

	res = e.call(t, "trusted.add", map[string]string{"site": ""})
	assert.Equal(t, "invalid_params", res.Get("error.code").String())
}

func TestAPI_EventsAndStats(t *testing.T) {
	e := newEnv(t)
	e.ctrl.SubmitRuleMatch(domain.RuleMatchEvent{RuleID: 200001, Request: domain.RequestEvent{
		TabID: 1, URL: "https://tracker.io/p.gif", Initiator: "https://news.com", ResourceType: "image",
	}})

	st := e.call(t, "stats.get", nil)
	assert.Equal(t, "stats", st.Get("result.type").String())
	assert.Equal(t, int64(1), st.Get("result.stats.thirdParty").Int())

	evts := e.call(t, "events.list", map[string]any{"kind": "network.blocked"}).Get("result").Array()
	require.Len(t, evts, 1)
	assert.Equal(t, "extension", evts[0].Get("source").String())
	assert.Equal(t, "tracker.io", evts[0].Get("data.domain").String())

	res := e.call(t, "events.clear", nil)
	assert.False(t, res.Get("error").Exists())
	assert.Empty(t, e.call(t, "events.list", nil).Get("result").Array())
}

func TestAPI_RulesAndUnknownMethod(t *testing.T) {
	e := newEnv(t)
	rules := e.call(t, "rules.list", nil).Get("result").Array()
	require.Len(t, rules, 1)
	assert.Equal(t, int64(200001), rules[0].Get("id").Int())
	assert.Equal(t, "thirdParty", rules[0].Get("condition.domainType").String())

	_, ok := e.engine.Match(dnr.Request{TabID: 1, URL: "https://tracker.io/p.js", Initiator: "https://news.com", ResourceType: rulespec.ResourceTypeScript})
	require.True(t, ok)
	assert.Equal(t, int64(1), e.call(t, "rules.stats", nil).Get("result.matched").Int())
	reset := e.call(t, "rules.resetStats", nil)
	assert.False(t, reset.Get("error").Exists(), reset.Raw)
	assert.Equal(t, int64(0), reset.Get("result.matched").Int())
	assert.Equal(t, int64(0), reset.Get("result.total").Int())

	assert.Equal(t, "method_not_found", e.call(t, "nope", nil).Get("error.code").String())

	resp, err := http.Post(e.srv.URL+httpapi.PathAPI, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "invalid_request", gjson.GetBytes(out, "error.code").String())
}

func TestStatusAndMetrics(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + httpapi.PathStatus)
	require.NoError(t, err)
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, gjson.GetBytes(out, "success").Bool())
	assert.Equal(t, "moderate", gjson.GetBytes(out, "data.mode").String())
	assert.True(t, gjson.GetBytes(out, "blocking").Bool(), "moderate 模式安装了规则")
	assert.False(t, gjson.GetBytes(out, "error").Exists())

	resp, err = http.Get(e.srv.URL + httpapi.PathMetrics)
	require.NoError(t, err)
	out, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(out), "trackshield_rule_applications_total")
}

func TestStream_DeliversBroadcasts(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + httpapi.PathEvents)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	e.hub.Broadcast(map[string]string{"type": "ping"})
	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"ping\"}\n\n", string(buf[:n]))
}
