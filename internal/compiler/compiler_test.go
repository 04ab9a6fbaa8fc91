package compiler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackshield/internal/compiler"
	"trackshield/internal/dnr"
	"trackshield/pkg/domain"
	"trackshield/pkg/rulespec"
)

var patterns = []string{"tracker.io", "doubleclick.net"}

func TestBuild(t *testing.T) {
	assert.Empty(t, compiler.Build(domain.ModeLow, patterns, nil))

	strict := compiler.Build(domain.ModeStrict, patterns, []string{"z.com", "a.com", "a.com"})
	require.Len(t, strict, 2)
	assert.Equal(t, 100001, strict[0].ID)
	assert.Equal(t, 100002, strict[1].ID)
	assert.Equal(t, rulespec.DomainType(""), strict[0].Condition.DomainType)
	assert.Equal(t, []string{"a.com", "z.com"}, strict[0].Condition.ExcludedInitiatorDomains)
	assert.Equal(t, compiler.BlockedResourceTypes, strict[0].Condition.ResourceTypes)

	moderate := compiler.Build(domain.ModeModerate, patterns, nil)
	require.Len(t, moderate, 2)
	assert.Equal(t, 200001, moderate[0].ID)
	assert.Equal(t, rulespec.DomainTypeThirdParty, moderate[0].Condition.DomainType)
	assert.Nil(t, moderate[0].Condition.ExcludedInitiatorDomains)

	for _, r := range append(strict, moderate...) {
		assert.NoError(t, r.Validate())
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := dnr.New()
	c := compiler.New(e, nil)

	_, err := c.Apply(ctx, domain.ModeModerate, patterns, []string{"a.com"})
	require.NoError(t, err)
	first := e.Rules()

	_, err = c.Apply(ctx, domain.ModeModerate, patterns, []string{"a.com"})
	require.NoError(t, err)
	assert.Equal(t, first, e.Rules())
}

func TestApply_ModeExclusivity(t *testing.T) {
	ctx := context.Background()
	e := dnr.New()
	c := compiler.New(e, nil)

	_, err := c.Apply(ctx, domain.ModeStrict, patterns, nil)
	require.NoError(t, err)
	_, err = c.Apply(ctx, domain.ModeModerate, patterns, nil)
	require.NoError(t, err)

	ids, err := e.InstalledRuleIDs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	for _, id := range ids {
		assert.False(t, compiler.InNamespace(domain.ModeStrict, id), "strict 区间的规则 %d 不应残留", id)
		assert.True(t, compiler.InNamespace(domain.ModeModerate, id))
	}

	_, err = c.Apply(ctx, domain.ModeLow, patterns, nil)
	require.NoError(t, err)
	ids, _ = e.InstalledRuleIDs(ctx)
	assert.Empty(t, ids)
}

// rejectingEngine 模拟引擎拒绝替换
type rejectingEngine struct {
	installed []int
	calls     int
}

func (r *rejectingEngine) InstalledRuleIDs(context.Context) ([]int, error) { return r.installed, nil }

func (r *rejectingEngine) ReplaceRules(context.Context, []int, []rulespec.Rule) error {
	r.calls++
	return errors.New("malformed rule")
}

func TestApply_EngineRejects(t *testing.T) {
	eng := &rejectingEngine{installed: []int{100001}}
	c := compiler.New(eng, nil)

	_, err := c.Apply(context.Background(), domain.ModeModerate, patterns, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleRejected)
	assert.Equal(t, 1, eng.calls, "删除与新增必须是一次调用")
}

func TestApply_InvalidMode(t *testing.T) {
	_, err := compiler.New(dnr.New(), nil).Apply(context.Background(), domain.PrivacyMode("max"), patterns, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidMode)
}
