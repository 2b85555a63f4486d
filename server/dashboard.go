package server

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kestrelsec/kestrel/logger"
	"github.com/kestrelsec/kestrel/query"
)

// DashboardStats is the periodic observability snapshot pushed to
// connected clients and served on /api/stats.
type DashboardStats struct {
	Timestamp           time.Time          `json:"timestamp"`
	ConnectedClients    int                `json:"connected_clients"`
	ActiveSubscriptions int                `json:"active_subscriptions"`
	PublishedEvents     int64              `json:"published_events"`
	DeliveredEvents     int64              `json:"delivered_events"`
	RateLimitRejections int64              `json:"rate_limit_rejections"`
	Query               query.MonitorStats `json:"query"`
	ProcessMemoryMB     float64            `json:"process_memory_mb"`
	SystemMemoryPercent float64            `json:"system_memory_percent"`
}

// changed reports whether the snapshot differs enough from prev to be worth
// pushing. Timestamp and memory jitter alone do not count.
func (d DashboardStats) changed(prev DashboardStats) bool {
	return d.ConnectedClients != prev.ConnectedClients ||
		d.ActiveSubscriptions != prev.ActiveSubscriptions ||
		d.PublishedEvents != prev.PublishedEvents ||
		d.DeliveredEvents != prev.DeliveredEvents ||
		d.RateLimitRejections != prev.RateLimitRejections ||
		d.Query.TotalQueries != prev.Query.TotalQueries
}

func (s *Server) snapshot() DashboardStats {
	brokerStats := s.broker.Stats()
	stats := DashboardStats{
		Timestamp:           time.Now(),
		ConnectedClients:    int(s.clientCount.Load()),
		ActiveSubscriptions: brokerStats.ActiveSubscriptions,
		PublishedEvents:     brokerStats.PublishedEvents,
		DeliveredEvents:     brokerStats.DeliveredEvents,
		RateLimitRejections: brokerStats.RateLimitRejections,
		Query:               s.engine.Monitor().Stats(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			stats.ProcessMemoryMB = float64(info.RSS) / (1024 * 1024)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemoryPercent = vm.UsedPercent
	}
	return stats
}

// dashboardLoop pushes snapshots to all clients at the configured cadence,
// skipping pushes when nothing meaningful changed.
func (s *Server) dashboardLoop() {
	defer s.wg.Done()

	interval := s.cfg.DashboardInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev DashboardStats
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			stats := s.snapshot()
			if !stats.changed(prev) {
				continue
			}
			prev = stats
			s.broadcastDashboard(stats)
		}
	}
}

func (s *Server) broadcastDashboard(stats DashboardStats) {
	msg := serverMessage{Type: "dashboard", Dashboard: &stats}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	}
	s.logger.Debugw("Dashboard snapshot broadcast",
		"connected_clients", stats.ConnectedClients,
		"active_subscriptions", stats.ActiveSubscriptions,
		logger.FieldHitRatio, stats.Query.CacheHitRatio,
	)
}
