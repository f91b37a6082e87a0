package scheduler

import (
	"context"
	"strings"
)

// StaleRefresher refreshes map sessions whose cached snapshot has expired.
type StaleRefresher interface {
	RefreshStale(ctx context.Context) int
}

// StatsReporter logs cache occupancy.
type StatsReporter interface {
	LogStats()
}

// RegisterMaintenance schedules the stale-snapshot sweep on schedule and the cache statistics
// report on DefaultStatsSchedule. An empty schedule selects DefaultRefreshSchedule.
func RegisterMaintenance(s *Scheduler, schedule string, refresher StaleRefresher, stats StatsReporter) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultRefreshSchedule
	}
	if err := s.AddJob(JobRefreshStale, schedule, func(ctx context.Context) error {
		refresher.RefreshStale(ctx)
		return ctx.Err()
	}); err != nil {
		return err
	}
	return s.AddJob(JobCacheStats, DefaultStatsSchedule, func(ctx context.Context) error {
		stats.LogStats()
		return nil
	})
}
