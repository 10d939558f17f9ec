// Package cve implements the CVE refresh scheduler: when enabled, it
// periodically runs each configured vulnerability source and records
// the results. The ticker/panic-recovery shape lives in
// internal/control; robfig/cron's Parser validates the cron expression
// a deployment may configure for the check cadence.
package cve

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sysmanage/sysmanage-server/internal/dbstore"
)

// Store is the persistence seam the CVE scheduler needs.
type Store interface {
	GetCveSettings(ctx context.Context) (*dbstore.CveSettings, error)
	UpdateCveRefreshSchedule(ctx context.Context, lastRefresh, nextRefresh time.Time) error
	InsertIngestionLog(ctx context.Context, source, status string, vulnCount, pkgCount int, errMsg *string) error
}

// Source is a pluggable vulnerability feed (NVD, OSV, vendor-specific,
// ...). Refresh fetches and ingests new records, returning how many
// vulnerabilities and package mappings were written.
type Source interface {
	Name() string
	Refresh(ctx context.Context) (vulnCount, pkgCount int, err error)
}

// Scheduler runs each enabled Source roughly every
// refresh_interval_hours. It does not itself tick; internal/control
// calls Tick() on its own interval so all background loops share one
// panic-recovery/logging shape.
type Scheduler struct {
	store   Store
	sources map[string]Source
	sched   *cron.Parser
}

// NewScheduler builds the scheduler over the given sources, keyed by
// their Name().
func NewScheduler(store Store, sources []Source) *Scheduler {
	byName := make(map[string]Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{store: store, sources: byName, sched: &parser}
}

// ValidateCadence confirms a cron expression parses, surfaced so
// configuration loading can reject a malformed schedule early.
func (s *Scheduler) ValidateCadence(expr string) error {
	_, err := s.sched.Parse(expr)
	return err
}

// Tick checks whether a refresh is due and, if so, runs every enabled
// source. One source's failure does not abort the others.
func (s *Scheduler) Tick(ctx context.Context, enabledSources []string, refreshInterval time.Duration) {
	settings, err := s.store.GetCveSettings(ctx)
	if err != nil {
		slog.Error("cve: load settings failed", "error", err)
		return
	}
	if settings == nil || !settings.Enabled {
		return
	}

	now := time.Now().UTC()
	if settings.NextRefreshAt != nil && settings.NextRefreshAt.After(now) {
		return
	}

	for _, name := range enabledSources {
		src, ok := s.sources[name]
		if !ok {
			slog.Warn("cve: enabled source has no registered implementation", "source", name)
			continue
		}
		s.runSource(ctx, src)
	}

	next := now.Add(refreshInterval)
	if err := s.store.UpdateCveRefreshSchedule(ctx, now, next); err != nil {
		slog.Error("cve: update refresh schedule failed", "error", err)
	}
}

func (s *Scheduler) runSource(ctx context.Context, src Source) {
	vulnCount, pkgCount, err := src.Refresh(ctx)
	status := "success"
	var errMsg *string
	if err != nil {
		status = "failure"
		msg := err.Error()
		errMsg = &msg
		slog.Error("cve: source refresh failed", "source", src.Name(), "error", err)
	} else {
		slog.Info("cve: source refresh complete", "source", src.Name(), "vulnerabilities", vulnCount, "packages", pkgCount)
	}

	if logErr := s.store.InsertIngestionLog(ctx, src.Name(), status, vulnCount, pkgCount, errMsg); logErr != nil {
		slog.Error("cve: write ingestion log failed", "source", src.Name(), "error", logErr)
	}
}
