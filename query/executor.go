package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/cache"
	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/logger"
)

// Plan is the request-scoped execution configuration the executor produces.
// Applying the executor twice yields the same plan and the same cache
// configuration.
type Plan struct {
	Parallel    bool
	Batching    bool
	CachingTier CachingTier
}

// Executor translates a selected strategy into concrete configuration of the
// request's batching cache before resolvers run.
type Executor struct {
	cfg config.QueryConfig
	log *zap.SugaredLogger
}

// NewExecutor creates an executor with the configured tuning points.
func NewExecutor(cfg config.QueryConfig, log *zap.SugaredLogger) *Executor {
	return &Executor{cfg: cfg, log: log}
}

// PlanFor derives the execution plan from the analysis alone, with no side
// effects. Callers that need the plan before a batcher exists (to size its
// coalescing window, for instance) use this; Apply returns the same plan for
// the same analysis.
func (e *Executor) PlanFor(a *Analysis) Plan {
	plan := Plan{Parallel: true, Batching: true, CachingTier: a.CachingTier}

	switch a.Strategy {
	case StrategyAggressiveCaching:
		plan.Batching = len(a.BatchingOpportunities) > 0
		plan.CachingTier = TierAggressive
	case StrategyBatchingFocused, StrategyDataloaderIntensive:
	default:
		plan.Parallel = a.ComplexityScore > e.cfg.ParallelComplexityThreshold
		plan.Batching = len(a.BatchingOpportunities) > 0
	}
	return plan
}

// Apply configures the batcher for the analysis's strategy and returns the
// execution plan. rootIDs maps entity type to ids already known from the
// request's root arguments; under AGGRESSIVE_CACHING those are primed so
// they are in flight before any resolver asks for them.
func (e *Executor) Apply(ctx context.Context, a *Analysis, b *cache.Batcher, rootIDs map[string][]string) Plan {
	plan := e.PlanFor(a)

	switch a.Strategy {
	case StrategyAggressiveCaching:
		for entityType, ids := range rootIDs {
			b.Prime(entityType, ids)
		}

	case StrategyBatchingFocused:
		for _, opp := range a.BatchingOpportunities {
			size := e.cfg.StandardBatchSize
			if opp.EstimatedBenefit > e.cfg.HighBenefitThreshold {
				size = e.cfg.LargeBatchSize
			}
			b.SetBatchSize(opp.Field, size)
		}

	case StrategyDataloaderIntensive:
		// Pre-register relationship keys discovered during analysis so the
		// first micro-batch already covers them.
		for field := range a.RelationshipCounts {
			if ids, ok := rootIDs[field]; ok {
				b.Prime(field, ids)
			}
		}
	}

	if e.log != nil {
		e.log.Debugw("Applied optimization plan",
			logger.FieldStrategy, string(a.Strategy),
			logger.FieldCachingTier, string(plan.CachingTier),
			"parallel", plan.Parallel,
			"batching", plan.Batching,
		)
	}
	return plan
}
