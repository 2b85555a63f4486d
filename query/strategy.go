package query

import (
	"time"

	"github.com/kestrelsec/kestrel/config"
)

// Strategy is the execution strategy chosen for one read request.
type Strategy string

const (
	StrategyAggressiveCaching   Strategy = "AGGRESSIVE_CACHING"
	StrategyBatchingFocused     Strategy = "BATCHING_FOCUSED"
	StrategyDataloaderIntensive Strategy = "DATALOADER_INTENSIVE"
	StrategyStandard            Strategy = "STANDARD"
)

// CachingTier is the result-cache TTL class chosen for one read request,
// orthogonal to the strategy.
type CachingTier string

const (
	TierNormal     CachingTier = "NORMAL"
	TierExtended   CachingTier = "EXTENDED"
	TierAggressive CachingTier = "AGGRESSIVE"
)

// Selector picks strategy and caching tier from an analysis. Both decisions
// are pure functions of the analysis, so identical requests always get
// identical treatment.
type Selector struct {
	cfg config.QueryConfig
}

// NewSelector creates a selector with the configured thresholds.
func NewSelector(cfg config.QueryConfig) *Selector {
	return &Selector{cfg: cfg}
}

// Select fills in the analysis's Strategy and CachingTier. Precedence:
// complexity first, then batching opportunity count, then distinct
// relationship fields.
func (s *Selector) Select(a *Analysis) {
	switch {
	case a.ComplexityScore > s.cfg.AggressiveComplexityThreshold:
		a.Strategy = StrategyAggressiveCaching
	case len(a.BatchingOpportunities) > s.cfg.BatchingOpportunityThreshold:
		a.Strategy = StrategyBatchingFocused
	case len(a.RelationshipCounts) > s.cfg.RelationshipFieldThreshold:
		a.Strategy = StrategyDataloaderIntensive
	default:
		a.Strategy = StrategyStandard
	}

	switch {
	case a.HasExpensiveField():
		a.CachingTier = TierAggressive
	case a.ComplexityScore > s.cfg.ExtendedTTLComplexityThreshold:
		a.CachingTier = TierExtended
	default:
		a.CachingTier = TierNormal
	}
}

// SharedTTL maps a caching tier to its shared-cache entry lifetime.
func SharedTTL(tier CachingTier, cfg config.CacheConfig) time.Duration {
	switch tier {
	case TierAggressive:
		return cfg.SharedTTLAggressive()
	case TierExtended:
		return cfg.SharedTTLExtended()
	default:
		return cfg.SharedTTLNormal()
	}
}
