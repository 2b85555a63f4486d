package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/errors"
)

// fakeClock lets tests control observed query durations.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(ringSize int) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(ringSize, nil)
	m.now = clock.now
	return m, clock
}

func TestStartEndQuery(t *testing.T) {
	m, clock := newTestMonitor(10)

	id := m.StartQuery("indicatorsByCampaign", "org1")
	require.NotEmpty(t, id)
	clock.advance(150 * time.Millisecond)

	d := m.EndQuery(id)
	assert.Equal(t, 150*time.Millisecond, d)
	assert.Equal(t, 150*time.Millisecond, m.GetAverageQueryTime("indicatorsByCampaign"))
}

func TestEndUnknownQuery(t *testing.T) {
	m, _ := newTestMonitor(10)
	assert.Zero(t, m.EndQuery("nope"))
	assert.Zero(t, m.Stats().TotalQueries)
}

func TestAverageQueryTimePerName(t *testing.T) {
	m, clock := newTestMonitor(10)

	for _, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		id := m.StartQuery("alerts", "org1")
		clock.advance(d)
		m.EndQuery(id)
	}
	id := m.StartQuery("campaigns", "org1")
	clock.advance(time.Second)
	m.EndQuery(id)

	assert.Equal(t, 200*time.Millisecond, m.GetAverageQueryTime("alerts"))
	assert.Equal(t, time.Second, m.GetAverageQueryTime("campaigns"))
	assert.Zero(t, m.GetAverageQueryTime("unknown"))
}

func TestRingEvictsOldest(t *testing.T) {
	m, clock := newTestMonitor(3)

	// Three old completions, then one new; ring keeps the latest three.
	for i := 0; i < 3; i++ {
		id := m.StartQuery("old", "org1")
		clock.advance(10 * time.Millisecond)
		m.EndQuery(id)
	}
	id := m.StartQuery("new", "org1")
	clock.advance(10 * time.Millisecond)
	m.EndQuery(id)

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalQueries)
	assert.Equal(t, 10*time.Millisecond, m.GetAverageQueryTime("new"))
}

func TestStatsAggregates(t *testing.T) {
	m, clock := newTestMonitor(100)

	fast := m.StartQuery("q", "org1")
	m.RecordCacheHit(fast)
	m.RecordCacheHit(fast)
	m.RecordCacheMiss(fast)
	clock.advance(50 * time.Millisecond)
	m.EndQuery(fast)

	slow := m.StartQuery("q", "org1")
	m.RecordError(slow, errors.New("resolver failed"))
	clock.advance(2 * time.Second)
	m.EndQuery(slow)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalQueries)
	assert.Equal(t, 1, stats.SlowQueries)
	assert.Equal(t, (50*time.Millisecond+2*time.Second)/2, stats.AverageQueryTime)
	assert.InDelta(t, 2.0/3.0, stats.CacheHitRatio, 1e-9)
}

func TestRecordAfterEndIsIgnored(t *testing.T) {
	m, clock := newTestMonitor(10)

	id := m.StartQuery("q", "org1")
	clock.advance(time.Millisecond)
	m.EndQuery(id)

	m.RecordCacheHit(id)
	m.RecordError(id, errors.New("late"))
	assert.Zero(t, m.Stats().CacheHitRatio)
}
