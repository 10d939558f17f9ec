// Package control runs the background control loops: heartbeat
// monitor, queue cleanup, session sweeper, CVE refresh trigger, and
// the UDP discovery beacon. Each loop is an independent ticker+stopCh
// goroutine with its own panic recovery.
package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/cve"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/wssecurity"
)

// HostStore is the persistence seam the heartbeat monitor needs.
type HostStore interface {
	MarkStaleHostsDown(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Loop is a single named ticker-driven background task. Each loop
// wraps its iteration in a recover so one failing sweep never kills
// the process or the other loops.
type Loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	stopCh   chan struct{}
}

func newLoop(name string, interval time.Duration, fn func(ctx context.Context)) *Loop {
	return &Loop{name: name, interval: interval, fn: fn, stopCh: make(chan struct{})}
}

// Start launches the loop's goroutine. The first iteration runs after
// one interval has elapsed.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	slog.Info("control: loop started", "loop", l.name, "interval", l.interval)

	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-l.stopCh:
			slog.Info("control: loop stopped", "loop", l.name)
			return
		case <-ctx.Done():
			slog.Info("control: loop stopped (context canceled)", "loop", l.name)
			return
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control: loop panicked", "loop", l.name, "recover", r)
		}
	}()
	l.fn(ctx)
}

func (l *Loop) Stop() { close(l.stopCh) }

// Manager owns the full set of background loops plus the discovery
// beacon and starts/stops them together.
type Manager struct {
	hosts   HostStore
	queue   *queue.Service
	limiter *wssecurity.ConnectionLimiter
	cve     *cve.Scheduler

	heartbeatTimeout   time.Duration
	expirationTimeout  time.Duration
	cleanupInterval    time.Duration
	cveRefreshInterval time.Duration
	cveEnabledSources  []string

	loops  []*Loop
	beacon *DiscoveryBeacon
}

func NewManager(hosts HostStore, q *queue.Service, limiter *wssecurity.ConnectionLimiter, cveSched *cve.Scheduler, heartbeatTimeout, expirationTimeout, cleanupInterval, cveRefreshInterval time.Duration, cveEnabledSources []string, beacon *DiscoveryBeacon) *Manager {
	return &Manager{
		hosts: hosts, queue: q, limiter: limiter, cve: cveSched,
		heartbeatTimeout: heartbeatTimeout, expirationTimeout: expirationTimeout, cleanupInterval: cleanupInterval,
		cveRefreshInterval: cveRefreshInterval, cveEnabledSources: cveEnabledSources,
		beacon: beacon,
	}
}

// Start launches every configured loop and the discovery beacon (if
// non-nil). Loops run until ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	heartbeat := newLoop("heartbeat-monitor", 60*time.Second, m.runHeartbeatMonitor)
	queueCleanup := newLoop("queue-cleanup", m.cleanupInterval, m.runQueueCleanup)
	sessionSweep := newLoop("session-sweeper", 5*time.Minute, m.runSessionSweeper)

	m.loops = []*Loop{heartbeat, queueCleanup, sessionSweep}

	if m.cve != nil {
		cveLoop := newLoop("cve-refresh", time.Minute, m.runCveRefresh)
		m.loops = append(m.loops, cveLoop)
	}

	for _, l := range m.loops {
		l.Start(ctx)
	}

	if m.beacon != nil {
		if err := m.beacon.Start(ctx); err != nil {
			slog.Error("control: discovery beacon failed to start", "error", err)
		} else if m.beacon.broadcastOnStartup {
			m.beacon.BroadcastAnnounce(ctx)
		}
	}
}

// runCveRefresh checks whether a refresh is due, delegating to the
// scheduler for the actual per-source work.
func (m *Manager) runCveRefresh(ctx context.Context) {
	m.cve.Tick(ctx, m.cveEnabledSources, m.cveRefreshInterval)
}

// Stop halts every loop and the discovery beacon.
func (m *Manager) Stop() {
	for _, l := range m.loops {
		l.Stop()
	}
	if m.beacon != nil {
		m.beacon.Stop()
	}
}

// runHeartbeatMonitor flips hosts whose last_access predates
// now-heartbeat_timeout and were status=up to status=down,
// active=false.
func (m *Manager) runHeartbeatMonitor(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.heartbeatTimeout)
	ids, err := m.hosts.MarkStaleHostsDown(ctx, cutoff)
	if err != nil {
		slog.Error("control: heartbeat monitor failed", "error", err)
		return
	}
	if len(ids) > 0 {
		hostsMarkedDownTotal.Add(float64(len(ids)))
		slog.Info("control: heartbeat monitor marked hosts down", "count", len(ids))
	}
}

// runQueueCleanup expires overdue entries, then deletes terminal ones
// past the retention window.
func (m *Manager) runQueueCleanup(ctx context.Context) {
	expired, err := m.queue.ExpireStale(ctx)
	if err != nil {
		slog.Error("control: queue expire_stale failed", "error", err)
	} else if expired > 0 {
		queueEntriesExpiredTotal.Add(float64(expired))
		slog.Info("control: queue entries expired", "count", expired)
	}

	removed, err := m.queue.Cleanup(ctx, m.expirationTimeout)
	if err != nil {
		slog.Error("control: queue cleanup failed", "error", err)
	} else if removed > 0 {
		queueEntriesCleanedTotal.Add(float64(removed))
		slog.Info("control: queue entries cleaned up", "count", removed)
	}
}

// runSessionSweeper drops expired IP blocks and stale attempt history
// from the connection limiter.
func (m *Manager) runSessionSweeper(_ context.Context) {
	m.limiter.Sweep()
}
