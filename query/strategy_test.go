package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelsec/kestrel/config"
)

func defaultSelector() *Selector {
	return NewSelector(config.Default().Query)
}

func TestSelectPrecedence(t *testing.T) {
	s := defaultSelector()

	cases := []struct {
		name     string
		analysis Analysis
		want     Strategy
	}{
		{
			name:     "complexity wins over everything",
			analysis: Analysis{ComplexityScore: 120, BatchingOpportunities: make([]BatchingOpportunity, 10), RelationshipCounts: map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1}},
			want:     StrategyAggressiveCaching,
		},
		{
			name:     "batching opportunities before relationship count",
			analysis: Analysis{ComplexityScore: 40, BatchingOpportunities: make([]BatchingOpportunity, 4), RelationshipCounts: map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1}},
			want:     StrategyBatchingFocused,
		},
		{
			name:     "relationship count alone",
			analysis: Analysis{ComplexityScore: 40, RelationshipCounts: map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1}},
			want:     StrategyDataloaderIntensive,
		},
		{
			name:     "thresholds are exclusive",
			analysis: Analysis{ComplexityScore: 100, BatchingOpportunities: make([]BatchingOpportunity, 3), RelationshipCounts: map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}},
			want:     StrategyStandard,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := tc.analysis
			s.Select(&a)
			assert.Equal(t, tc.want, a.Strategy)
		})
	}
}

func TestSelectCachingTier(t *testing.T) {
	s := defaultSelector()

	a := Analysis{ComplexityScore: 10, hasExpensive: true}
	s.Select(&a)
	assert.Equal(t, TierAggressive, a.CachingTier)

	a = Analysis{ComplexityScore: 51}
	s.Select(&a)
	assert.Equal(t, TierExtended, a.CachingTier)

	a = Analysis{ComplexityScore: 50}
	s.Select(&a)
	assert.Equal(t, TierNormal, a.CachingTier)
}

// Six distinct relationship fields and nothing else must select the
// dataloader-heavy strategy.
func TestSixRelationshipFieldsSelectDataloaderIntensive(t *testing.T) {
	a := NewAnalyzer(NewFieldRegistry(
		WithRelationshipField("attributedTo"),
		WithRelationshipField("observedBy"),
		WithRelationshipField("reports"),
		WithRelationshipField("malwareFamilies"),
		WithRelationshipField("parentCampaign"),
		WithRelationshipField("childIncidents"),
	)).Analyze([]Selection{
		Field("attributedTo"),
		Field("observedBy"),
		Field("reports"),
		Field("malwareFamilies"),
		Field("parentCampaign"),
		Field("childIncidents"),
	})
	defaultSelector().Select(a)

	assert.Len(t, a.RelationshipCounts, 6)
	assert.Equal(t, StrategyDataloaderIntensive, a.Strategy)
}

// Complexity above the aggressive threshold wins regardless of how many
// relationship fields were requested.
func TestHighComplexitySelectsAggressiveCaching(t *testing.T) {
	a := Analysis{
		ComplexityScore:    120,
		RelationshipCounts: map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1},
	}
	defaultSelector().Select(&a)
	assert.Equal(t, StrategyAggressiveCaching, a.Strategy)
}

func TestSelectDeterministic(t *testing.T) {
	s := defaultSelector()
	for i := 0; i < 10; i++ {
		a := Analysis{ComplexityScore: 55, BatchingOpportunities: make([]BatchingOpportunity, 4)}
		s.Select(&a)
		assert.Equal(t, StrategyBatchingFocused, a.Strategy)
		assert.Equal(t, TierExtended, a.CachingTier)
	}
}
