package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 暴露 Prometheus 指标
type Recorder struct {
	blocked       *prometheus.CounterVec
	observed      prometheus.Counter
	notifications prometheus.Counter
	decisions     *prometheus.CounterVec
	previews      *prometheus.CounterVec
	ruleApplies   *prometheus.CounterVec
	installed     prometheus.Gauge
	eventDrops    prometheus.Counter
}

// NewRecorder 创建指标并注册到 reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackshield_blocked_total",
			Help: "Requests blocked by the declarative ruleset grouped by party",
		}, []string{"party"}),
		observed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackshield_preview_observed_total",
			Help: "Third-party requests observed during preview windows",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackshield_notifications_total",
			Help: "Desktop notifications sent after throttling",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackshield_navigation_decisions_total",
			Help: "Top-level navigation decisions grouped by verdict",
		}, []string{"verdict"}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackshield_previews_total",
			Help: "Preview captures grouped by outcome",
		}, []string{"outcome"}),
		ruleApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackshield_rule_applications_total",
			Help: "Ruleset replacements grouped by mode and result",
		}, []string{"mode", "result"}),
		installed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackshield_rules_installed",
			Help: "Number of dynamic rules currently installed",
		}),
		eventDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackshield_event_failures_total",
			Help: "Telemetry events that could not be recorded",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.blocked, r.observed, r.notifications, r.decisions, r.previews, r.ruleApplies, r.installed, r.eventDrops)
	}
	return r
}

// Handler 返回 /metrics 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveBlocked 记录一次拦截
func (r *Recorder) ObserveBlocked(thirdParty bool) {
	if r == nil {
		return
	}
	party := "first"
	if thirdParty {
		party = "third"
	}
	r.blocked.WithLabelValues(party).Inc()
}

// ObserveObserved 记录一次预览观察
func (r *Recorder) ObserveObserved() {
	if r == nil {
		return
	}
	r.observed.Inc()
}

// ObserveNotification 记录一次通知
func (r *Recorder) ObserveNotification() {
	if r == nil {
		return
	}
	r.notifications.Inc()
}

// ObserveDecision 记录一次导航决策
func (r *Recorder) ObserveDecision(verdict string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(verdict).Inc()
}

// ObservePreview 记录预览状态变化（armed / completed / canceled）
func (r *Recorder) ObservePreview(outcome string) {
	if r == nil {
		return
	}
	r.previews.WithLabelValues(outcome).Inc()
}

// ObserveRuleApply 记录一次规则替换
func (r *Recorder) ObserveRuleApply(mode string, installed int, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		r.installed.Set(float64(installed))
	}
	r.ruleApplies.WithLabelValues(mode, result).Inc()
}

// ObserveEventFailure 记录一次事件写入失败
func (r *Recorder) ObserveEventFailure() {
	if r == nil {
		return
	}
	r.eventDrops.Inc()
}
