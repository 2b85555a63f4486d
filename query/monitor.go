package query

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/logger"
)

// Slow-query severity ladder. Durations above each bound escalate the log
// level recorded at query completion.
const (
	slowQueryCritical = 10 * time.Second
	slowQueryElevated = 5 * time.Second
	slowQueryInfo     = 1 * time.Second
)

type activeQuery struct {
	name           string
	organizationID string
	startedAt      time.Time
	cacheHits      int
	cacheMisses    int
	errs           []error
}

type completedQuery struct {
	name     string
	duration time.Duration
	slow     bool
	hits     int
	misses   int
	errored  bool
}

// MonitorStats is the aggregate view over the retained completion ring.
type MonitorStats struct {
	TotalQueries     int           `json:"total_queries"`
	AverageQueryTime time.Duration `json:"average_query_time"`
	SlowQueries      int           `json:"slow_queries"`
	CacheHitRatio    float64       `json:"cache_hit_ratio"`
}

// Monitor tracks per-query timings and cache effectiveness. Completed
// queries are retained in a bounded ring; older completions fall off.
type Monitor struct {
	mu       sync.Mutex
	active   map[string]*activeQuery
	ring     []completedQuery
	ringSize int
	next     int
	filled   bool
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewMonitor creates a monitor retaining the most recent ringSize
// completions.
func NewMonitor(ringSize int, log *zap.SugaredLogger) *Monitor {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &Monitor{
		active:   make(map[string]*activeQuery),
		ring:     make([]completedQuery, ringSize),
		ringSize: ringSize,
		log:      log,
		now:      time.Now,
	}
}

// StartQuery registers a query execution and returns its id.
func (m *Monitor) StartQuery(name, organizationID string) string {
	id := uuid.New().String()
	m.mu.Lock()
	m.active[id] = &activeQuery{
		name:           name,
		organizationID: organizationID,
		startedAt:      m.now(),
	}
	m.mu.Unlock()
	return id
}

// RecordCacheHit notes a cache hit for the running query.
func (m *Monitor) RecordCacheHit(queryID string) {
	m.mu.Lock()
	if q, ok := m.active[queryID]; ok {
		q.cacheHits++
	}
	m.mu.Unlock()
}

// RecordCacheMiss notes a cache miss for the running query.
func (m *Monitor) RecordCacheMiss(queryID string) {
	m.mu.Lock()
	if q, ok := m.active[queryID]; ok {
		q.cacheMisses++
	}
	m.mu.Unlock()
}

// RecordError notes a field-level error for the running query.
func (m *Monitor) RecordError(queryID string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if q, ok := m.active[queryID]; ok {
		q.errs = append(q.errs, err)
	}
	m.mu.Unlock()
}

// EndQuery records the query's duration in the ring and logs at a severity
// derived from how long it ran. Unknown ids are ignored.
func (m *Monitor) EndQuery(queryID string) time.Duration {
	m.mu.Lock()
	q, ok := m.active[queryID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.active, queryID)

	duration := m.now().Sub(q.startedAt)
	m.ring[m.next] = completedQuery{
		name:     q.name,
		duration: duration,
		slow:     duration > slowQueryInfo,
		hits:     q.cacheHits,
		misses:   q.cacheMisses,
		errored:  len(q.errs) > 0,
	}
	m.next++
	if m.next == m.ringSize {
		m.next = 0
		m.filled = true
	}
	m.mu.Unlock()

	m.logCompletion(q, queryID, duration)
	return duration
}

func (m *Monitor) logCompletion(q *activeQuery, queryID string, duration time.Duration) {
	if m.log == nil {
		return
	}
	kv := []interface{}{
		logger.FieldQueryID, queryID,
		"query", q.name,
		logger.FieldOrganizationID, q.organizationID,
		logger.FieldDurationMS, duration.Milliseconds(),
		"cache_hits", q.cacheHits,
		"cache_misses", q.cacheMisses,
		"errors", len(q.errs),
	}
	switch {
	case duration > slowQueryCritical:
		m.log.Errorw("Critically slow query", kv...)
	case duration > slowQueryElevated:
		m.log.Warnw("Slow query", kv...)
	case duration > slowQueryInfo:
		m.log.Infow("Query completed slowly", kv...)
	default:
		m.log.Debugw("Query completed", kv...)
	}
}

// GetAverageQueryTime returns the mean duration of retained completions for
// one query name, or 0 when none are retained.
func (m *Monitor) GetAverageQueryTime(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total time.Duration
	count := 0
	m.eachCompleted(func(c completedQuery) {
		if c.name == name {
			total += c.duration
			count++
		}
	})
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Stats returns aggregate statistics over the retained ring.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats MonitorStats
	var total time.Duration
	hits, misses := 0, 0
	m.eachCompleted(func(c completedQuery) {
		stats.TotalQueries++
		total += c.duration
		if c.slow {
			stats.SlowQueries++
		}
		hits += c.hits
		misses += c.misses
	})
	if stats.TotalQueries > 0 {
		stats.AverageQueryTime = total / time.Duration(stats.TotalQueries)
	}
	if hits+misses > 0 {
		stats.CacheHitRatio = float64(hits) / float64(hits+misses)
	}
	return stats
}

// eachCompleted visits retained completions. Caller holds mu.
func (m *Monitor) eachCompleted(fn func(completedQuery)) {
	limit := m.next
	if m.filled {
		limit = m.ringSize
	}
	for i := 0; i < limit; i++ {
		fn(m.ring[i])
	}
}
