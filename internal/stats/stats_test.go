package stats_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"trackshield/internal/stats"
	"trackshield/pkg/domain"
)

func TestBadgeText(t *testing.T) {
	tests := []struct {
		total int64
		want  string
	}{
		{0, ""},
		{1, "1"},
		{999, "999"},
		{1000, "999+"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stats.BadgeText(tt.total, 999))
	}
}

func TestTracker_CountAndReset(t *testing.T) {
	tr := stats.NewTracker(999, time.Minute)
	for i := 0; i < 3; i++ {
		tr.Count(false)
	}
	for i := 0; i < 5; i++ {
		tr.Count(true)
	}
	assert.Equal(t, domain.Stats{FirstParty: 3, ThirdParty: 5}, tr.Stats())
	assert.Equal(t, "8", tr.BadgeText())

	tr.Reset()
	assert.Equal(t, domain.Stats{}, tr.Stats())
	assert.Equal(t, "", tr.BadgeText())

	got := tr.Count(true)
	assert.Equal(t, domain.Stats{ThirdParty: 1}, got)
	got = tr.Count(false)
	assert.Equal(t, domain.Stats{FirstParty: 1, ThirdParty: 1}, got)
}

func TestTracker_NotifyThrottle(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	tr := stats.NewTracker(999, 60*time.Second)
	assert.False(t, tr.ShouldNotify("tracker.io", t0), "未开启时不通知")

	tr.SetNotifyEnabled(true)
	n := 0
	for i := 0; i < 10; i++ {
		if tr.ShouldNotify("tracker.io", t0.Add(time.Duration(i)*100*time.Millisecond)) {
			n++
		}
	}
	assert.Equal(t, 1, n, "1 秒内 10 次只通知 1 次")
	assert.True(t, tr.ShouldNotify("other.net", t0), "不同域名独立节流")
	assert.True(t, tr.ShouldNotify("tracker.io", t0.Add(61*time.Second)))
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := stats.NewRecorder(reg)
	r.ObserveBlocked(true)
	r.ObserveBlocked(true)
	r.ObserveBlocked(false)
	r.ObserveRuleApply("strict", 12, nil)
	r.ObserveRuleApply("strict", 0, errors.New("rejected"))

	count, err := testutil.GatherAndCount(reg, "trackshield_blocked_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, count, "按第一方/第三方两个序列")

	var nilRec *stats.Recorder
	nilRec.ObserveBlocked(true) // nil 接收者不 panic
}
