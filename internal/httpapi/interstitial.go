package httpapi

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"trackshield/internal/classifier"
	"trackshield/internal/preview"
)

// 决策页动作
const (
	ActionEnter   = "enter"
	ActionTrust   = "trust"
	ActionPreview = "preview"
)

type receiptView struct {
	Domain  string
	Blocked bool
}

type interstitialView struct {
	Dest     string
	Site     string
	Action   string
	LastSeen int64
	Receipt  []receiptView
	HasPrior bool
}

var interstitialTmpl = template.Must(template.New("interstitial").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Site}} · trackshield</title>
<style>
body{font-family:system-ui,sans-serif;max-width:40rem;margin:4rem auto;padding:0 1rem;color:#222}
h1{font-size:1.4rem}
code{background:#f2f2f2;padding:.1rem .3rem;border-radius:3px}
ul.receipt li.blocked{color:#b00}
form{display:inline-block;margin-right:.5rem}
button{font-size:1rem;padding:.4rem 1rem}
</style>
</head>
<body>
<h1>You are about to visit <code>{{.Site}}</code></h1>
<p>Destination: <code>{{.Dest}}</code></p>
{{if .HasPrior}}
<p>A previous preview of this site saw requests to these third parties:</p>
<ul class="receipt">
{{range .Receipt}}<li{{if .Blocked}} class="blocked"{{end}}>{{.Domain}}{{if .Blocked}} (blocked){{end}}</li>
{{end}}</ul>
{{else}}
<p>No preview has been recorded for this site yet.</p>
{{end}}
<form method="post" action="{{.Action}}"><input type="hidden" name="dest" value="{{.Dest}}"><button name="action" value="enter">Enter once</button></form>
<form method="post" action="{{.Action}}"><input type="hidden" name="dest" value="{{.Dest}}"><button name="action" value="trust">Trust {{.Site}}</button></form>
<form method="post" action="{{.Action}}"><input type="hidden" name="dest" value="{{.Dest}}"><button name="action" value="preview">Preview</button></form>
</body>
</html>
`))

// handleInterstitial 渲染决策页
func (s *Server) handleInterstitial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dest, site, ok := parseDest(r.URL.Query().Get("dest"))
	if !ok {
		http.Error(w, "missing or invalid dest", http.StatusBadRequest)
		return
	}

	view := interstitialView{Dest: dest, Site: site, Action: PathDecide}
	rec, found, err := s.svc.Receipt(r.Context(), site)
	if err != nil {
		s.log.Err(err, "读取回执失败", "site", site)
	}
	if found {
		view.HasPrior = true
		view.LastSeen = rec.LastSeen
		for _, d := range rec.Domains {
			name, blocked := strings.CutSuffix(d, preview.BlockedTag)
			view.Receipt = append(view.Receipt, receiptView{Domain: name, Blocked: blocked})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := interstitialTmpl.Execute(w, view); err != nil {
		s.log.Err(err, "渲染决策页失败")
	}
}

// handleDecide 记录用户的选择并回到原目标，这是重新进入导航决策的唯一路径
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dest, site, ok := parseDest(r.PostForm.Get("dest"))
	if !ok {
		http.Error(w, "missing or invalid dest", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error
	switch action := r.PostForm.Get("action"); action {
	case ActionEnter:
		_, err = s.svc.EnterOnce(ctx, dest)
	case ActionTrust:
		_, err = s.svc.AddTrusted(ctx, site)
	case ActionPreview:
		_, err = s.svc.RequestPreview(ctx, dest)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Err(err, "记录决策失败", "site", site)
		http.Error(w, "failed to record decision", http.StatusInternalServerError)
		return
	}
	s.log.Info("决策页选择", "site", site, "action", r.PostForm.Get("action"))
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// parseDest 只接受 http(s) 目标
func parseDest(raw string) (string, string, bool) {
	if raw == "" {
		return "", "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", false
	}
	site := classifier.SiteOf(raw)
	if site == "" {
		return "", "", false
	}
	return raw, site, true
}
