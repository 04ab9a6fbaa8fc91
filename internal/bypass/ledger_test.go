package bypass_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trackshield/internal/bypass"
	"trackshield/pkg/domain"
)

func TestConsumeEnterOnce(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	l := bypass.NewLedger(15 * time.Second)
	l.SetEnterOnce(&domain.EnterOnce{SiteBase: "a.com", TS: t0.UnixMilli()})

	assert.False(t, l.ConsumeEnterOnce("b.com", t0.Add(time.Second)), "站点不匹配不放行")
	assert.NotNil(t, l.EnterOnce(), "不匹配时槽位保留")

	assert.True(t, l.ConsumeEnterOnce("a.com", t0.Add(time.Second)))
	assert.Nil(t, l.EnterOnce(), "命中后槽位清空")
	assert.False(t, l.ConsumeEnterOnce("a.com", t0.Add(2*time.Second)), "第二次不再放行")
}

func TestConsumeEnterOnce_TTL(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	l := bypass.NewLedger(15 * time.Second)
	l.SetEnterOnce(&domain.EnterOnce{SiteBase: "a.com", TS: t0.UnixMilli()})

	assert.False(t, l.ConsumeEnterOnce("a.com", t0.Add(16*time.Second)))
	assert.NotNil(t, l.EnterOnce(), "过期槽位仍在但不生效")
	assert.False(t, l.ConsumeEnterOnce("a.com", t0.Add(15*time.Second)), "恰好到期也不生效")
}

func TestTrustedAndPrompt(t *testing.T) {
	l := bypass.NewLedger(0)
	assert.True(t, l.PromptOnNewSites())
	l.SetTrusted([]string{"z.com", "a.com", ""})
	assert.True(t, l.IsTrusted("a.com"))
	assert.False(t, l.IsTrusted("b.com"))
	assert.Equal(t, []string{"a.com", "z.com"}, l.Trusted())
	l.SetPromptOnNewSites(false)
	assert.False(t, l.PromptOnNewSites())
}
