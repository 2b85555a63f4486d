package pubsub

import (
	"sync"
	"time"
)

type healthKey struct {
	topic          string
	organizationID string
}

type healthEntry struct {
	count         int
	lastHeartbeat time.Time
}

// SubscriptionStats describes one tracked (topic, organization) pair.
type SubscriptionStats struct {
	Topic          string    `json:"topic"`
	OrganizationID string    `json:"organization_id"`
	Count          int       `json:"count"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// HealthMonitor tracks subscription liveness per (topic, organization).
// This is advisory routing metadata; transport-level disconnection stays
// with the transport.
type HealthMonitor struct {
	mu      sync.Mutex
	entries map[healthKey]*healthEntry
	now     func() time.Time
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		entries: make(map[healthKey]*healthEntry),
		now:     time.Now,
	}
}

// TrackSubscription increments the reference count for the pair and
// refreshes its heartbeat.
func (m *HealthMonitor) TrackSubscription(topic, organizationID string) {
	key := healthKey{topic: topic, organizationID: organizationID}
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &healthEntry{}
		m.entries[key] = e
	}
	e.count++
	e.lastHeartbeat = m.now()
	m.mu.Unlock()
}

// UntrackSubscription decrements the reference count, removing the entry
// when it reaches zero.
func (m *HealthMonitor) UntrackSubscription(topic, organizationID string) {
	key := healthKey{topic: topic, organizationID: organizationID}
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.count--
		if e.count <= 0 {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// Heartbeat refreshes the pair's liveness timestamp. Called on every
// successful delivery and on explicit pings.
func (m *HealthMonitor) Heartbeat(topic, organizationID string) {
	key := healthKey{topic: topic, organizationID: organizationID}
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastHeartbeat = m.now()
	}
	m.mu.Unlock()
}

// CleanupStale removes pairs whose heartbeat is older than maxAge and
// returns how many were evicted.
func (m *HealthMonitor) CleanupStale(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if e.lastHeartbeat.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// GetSubscriptionStats snapshots all tracked pairs.
func (m *HealthMonitor) GetSubscriptionStats() []SubscriptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SubscriptionStats, 0, len(m.entries))
	for key, e := range m.entries {
		out = append(out, SubscriptionStats{
			Topic:          key.topic,
			OrganizationID: key.organizationID,
			Count:          e.count,
			LastHeartbeat:  e.lastHeartbeat,
		})
	}
	return out
}
