// Package engine orchestrates the cost-aware read path: analysis, strategy
// selection, optimization, cached execution and performance monitoring for
// one read request at a time.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelsec/kestrel/cache"
	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/errors"
	"github.com/kestrelsec/kestrel/identity"
	"github.com/kestrelsec/kestrel/logger"
	"github.com/kestrelsec/kestrel/query"
	"github.com/kestrelsec/kestrel/storage"
)

// Request is one read request entering the engine. Analysis and the
// batching cache are request-scoped: the engine creates them fresh per
// request and discards them with the result.
type Request struct {
	Name       string
	Identity   *identity.Context
	Selections []query.Selection
	// RootArgs are the request's top-level arguments, included in the
	// result cache key.
	RootArgs map[string]interface{}
	// RootIDs maps entity type to ids already known from RootArgs; the
	// optimization executor primes these under aggressive strategies.
	RootIDs map[string][]string

	// Batch is populated by the engine before resolvers run.
	Batch *cache.Batcher

	analysis *query.Analysis
}

// Analysis exposes the request's analysis to resolvers. Nil until Execute
// has analyzed the request.
func (r *Request) Analysis() *query.Analysis {
	return r.analysis
}

// Metrics is the out-of-band observability block attached to every result.
type Metrics struct {
	QueryID       string            `json:"query_id"`
	Strategy      query.Strategy    `json:"strategy"`
	CachingTier   query.CachingTier `json:"caching_tier"`
	CacheHit      bool              `json:"cache_hit"`
	CacheHitRatio float64           `json:"cache_hit_ratio"`
	Duration      time.Duration     `json:"duration"`
}

// Result carries resolved data plus per-field errors under the
// partial-results policy: one resolver's failure leaves sibling fields
// intact.
type Result struct {
	Data        map[string]interface{} `json:"data"`
	FieldErrors map[string]string      `json:"field_errors,omitempty"`
	Metrics     Metrics                `json:"metrics"`
}

// Resolver resolves one root selection of a request.
type Resolver func(ctx context.Context, req *Request, sel query.Selection) (interface{}, error)

// Engine wires the analyzer, selector, executor, caches and monitor into
// one read path.
type Engine struct {
	cfg      *config.Config
	analyzer *query.Analyzer
	selector *query.Selector
	executor *query.Executor
	monitor  *query.Monitor
	results  *cache.TieredCache
	adapter  storage.Adapter
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// New creates an engine over the storage adapter and result cache.
func New(cfg *config.Config, registry *query.FieldRegistry, adapter storage.Adapter, results *cache.TieredCache, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		analyzer:  query.NewAnalyzer(registry),
		selector:  query.NewSelector(cfg.Query),
		executor:  query.NewExecutor(cfg.Query, log),
		monitor:   query.NewMonitor(cfg.Query.MonitorRingSize, log),
		results:   results,
		adapter:   adapter,
		log:       log,
		resolvers: make(map[string]Resolver),
	}
}

// Monitor exposes the performance monitor for dashboards.
func (e *Engine) Monitor() *query.Monitor {
	return e.monitor
}

// RegisterResolver installs the resolver for one root field. Root fields
// without a registered resolver fall back to a by-id entity fetch.
func (e *Engine) RegisterResolver(field string, r Resolver) {
	e.mu.Lock()
	e.resolvers[field] = r
	e.mu.Unlock()
}

func (e *Engine) resolver(field string) Resolver {
	e.mu.RLock()
	r, ok := e.resolvers[field]
	e.mu.RUnlock()
	if ok {
		return r
	}
	return e.defaultResolve
}

// defaultResolve treats the root field name as an entity type and loads the
// request's known ids for it through the batching cache.
func (e *Engine) defaultResolve(ctx context.Context, req *Request, sel query.Selection) (interface{}, error) {
	ids := req.RootIDs[sel.Name]
	if len(ids) == 0 {
		return []storage.Entity{}, nil
	}
	entities, err := req.Batch.LoadMany(ctx, sel.Name, ids)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Entity, 0, len(entities))
	for _, entity := range entities {
		if entity != nil {
			out = append(out, entity)
		}
	}
	return out, nil
}

// Execute runs the full read path for one request. Returns
// AuthenticationError when the identity context is absent; resolver
// failures surface as field errors, not as a request failure.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Identity == nil {
		return nil, errors.Wrap(errors.ErrAuthentication, "read request without identity context")
	}
	if err := identity.Authorize(req.Identity, identity.RoleViewer, req.Identity.OrganizationID); err != nil {
		return nil, err
	}

	queryID := e.monitor.StartQuery(req.Name, req.Identity.OrganizationID)

	analysis := e.analyzer.Analyze(req.Selections)
	e.selector.Select(analysis)
	req.analysis = analysis

	// Without coalescing opportunities the micro-batch window only adds
	// latency; keep the batcher for per-request deduplication but flush
	// immediately.
	plan := e.executor.PlanFor(analysis)
	window := e.cfg.Cache.BatchWindow()
	if !plan.Batching {
		window = 0
	}
	req.Batch = cache.NewBatcher(ctx, cache.AdapterFetch(e.adapter), window, e.cfg.Query.StandardBatchSize)
	e.executor.Apply(ctx, analysis, req.Batch, req.RootIDs)

	key := e.resultKey(req)
	if data, ok := e.cachedResult(ctx, key); ok {
		e.monitor.RecordCacheHit(queryID)
		duration := e.monitor.EndQuery(queryID)
		return &Result{
			Data: data,
			Metrics: Metrics{
				QueryID:       queryID,
				Strategy:      analysis.Strategy,
				CachingTier:   analysis.CachingTier,
				CacheHit:      true,
				CacheHitRatio: 1,
				Duration:      duration,
			},
		}, nil
	}
	e.monitor.RecordCacheMiss(queryID)

	data, fieldErrors := e.resolve(ctx, req, queryID, plan)
	if len(fieldErrors) == 0 {
		e.storeResult(ctx, key, data, analysis)
	}

	duration := e.monitor.EndQuery(queryID)
	hitRatio := 0.0
	if e.results != nil {
		hitRatio = e.results.Stats().HitRatio
	}

	if e.log != nil {
		e.log.Debugw("Read request completed",
			logger.FieldQueryID, queryID,
			logger.FieldStrategy, string(analysis.Strategy),
			logger.FieldCachingTier, string(analysis.CachingTier),
			logger.FieldComplexity, analysis.ComplexityScore,
			logger.FieldDurationMS, duration.Milliseconds(),
			"field_errors", len(fieldErrors),
		)
	}

	return &Result{
		Data:        data,
		FieldErrors: fieldErrors,
		Metrics: Metrics{
			QueryID:       queryID,
			Strategy:      analysis.Strategy,
			CachingTier:   analysis.CachingTier,
			CacheHitRatio: hitRatio,
			Duration:      duration,
		},
	}, nil
}

// resolve runs the root resolvers, in parallel when the plan allows it.
// Each field fails independently.
func (e *Engine) resolve(ctx context.Context, req *Request, queryID string, plan query.Plan) (map[string]interface{}, map[string]string) {
	data := make(map[string]interface{}, len(req.Selections))
	fieldErrors := make(map[string]string)
	var mu sync.Mutex

	record := func(name string, value interface{}, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fieldErrors[name] = err.Error()
			e.monitor.RecordError(queryID, err)
			return
		}
		data[name] = value
	}

	if plan.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, sel := range req.Selections {
			sel := sel
			g.Go(func() error {
				value, err := e.resolver(sel.Name)(gctx, req, sel)
				record(sel.Name, value, err)
				// Field failures stay field-local.
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, sel := range req.Selections {
			value, err := e.resolver(sel.Name)(ctx, req, sel)
			record(sel.Name, value, err)
		}
	}
	return data, fieldErrors
}

// resultKey derives a stable cache key from the request's organization,
// name, selections and arguments. JSON encoding sorts map keys, so equal
// requests produce equal keys.
func (e *Engine) resultKey(req *Request) string {
	payload, err := json.Marshal(struct {
		Name       string                 `json:"name"`
		Selections []query.Selection      `json:"selections"`
		RootArgs   map[string]interface{} `json:"root_args"`
	}{req.Name, req.Selections, req.RootArgs})
	if err != nil {
		payload = []byte(req.Name)
	}
	sum := sha256.Sum256(payload)
	return "query:" + req.Identity.OrganizationID + ":" + hex.EncodeToString(sum[:16])
}

func (e *Engine) cachedResult(ctx context.Context, key string) (map[string]interface{}, bool) {
	if e.results == nil {
		return nil, false
	}
	raw, ok := e.results.Get(ctx, key, cache.TierShared)
	if !ok {
		return nil, false
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		e.results.Invalidate(ctx, key)
		return nil, false
	}
	return data, true
}

func (e *Engine) storeResult(ctx context.Context, key string, data map[string]interface{}, analysis *query.Analysis) {
	if e.results == nil || len(data) == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	ttl := query.SharedTTL(analysis.CachingTier, e.cfg.Cache)
	e.results.Set(ctx, key, raw, cache.TierShared, ttl)
	if analysis.Strategy == query.StrategyAggressiveCaching {
		e.results.Set(ctx, key, raw, cache.TierLocal, ttl)
	}
}

// InvalidateOrganization drops every cached result for one organization.
// Called by write-path collaborators after mutations that affect cached
// aggregates.
func (e *Engine) InvalidateOrganization(ctx context.Context, organizationID string) int {
	if e.results == nil {
		return 0
	}
	return e.results.InvalidatePattern(ctx, "query:"+organizationID+":*")
}
