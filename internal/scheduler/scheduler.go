package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultRefreshSchedule runs the stale-snapshot sweep every fifteen minutes.
	DefaultRefreshSchedule = "@every 15m"
	// DefaultStatsSchedule logs cache occupancy once an hour.
	DefaultStatsSchedule   = "@hourly"
	defaultJobTimeout      = 10 * time.Minute

	JobRefreshStale = "refresh-stale"
	JobCacheStats   = "cache-stats"
)

var (
	errEmptyJobName   = errors.New("scheduler: job name is required")
	errDuplicateJob   = errors.New("scheduler: job already registered")
	errUnknownJob     = errors.New("scheduler: job not registered")
	errMissingJobFunc = errors.New("scheduler: job function is required")
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Config describes a Scheduler.
type Config struct {
	Location   *time.Location
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Scheduler runs named jobs on cron schedules. A job still running when its next tick fires is
// skipped for that tick.
type Scheduler struct {
	cron       *cron.Cron
	jobTimeout time.Duration
	logger     *zap.Logger

	mu   sync.Mutex
	jobs map[string]registeredJob
}

type registeredJob struct {
	entryID  cron.EntryID
	schedule string
	run      Job
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	NextRun  time.Time
	LastRun  time.Time
}

// New constructs a stopped Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	cronLogger := zapCronLogger{sugar: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobTimeout: timeout,
		logger:     logger,
		jobs:       make(map[string]registeredJob),
	}
}

// AddJob registers job under name. schedule accepts standard five-field cron expressions and
// descriptors such as "@every 5m".
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errEmptyJobName
	}
	if job == nil {
		return errMissingJobFunc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", errDuplicateJob, name)
	}
	entryID, err := s.cron.AddFunc(schedule, func() {
		_ = s.execute(name, job)
	})
	if err != nil {
		return fmt.Errorf("scheduler: schedule %s for %s: %w", schedule, name, err)
	}
	s.jobs[name] = registeredJob{entryID: entryID, schedule: schedule, run: job}
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

// RemoveJob unregisters a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered, ok := s.jobs[name]
	if !ok {
		return
	}
	s.cron.Remove(registered.entryID)
	delete(s.jobs, name)
	s.logger.Info("job removed", zap.String("job", name))
}

// RunNow executes a registered job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	registered, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownJob, name)
	}
	return s.execute(name, registered.run)
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler starting")
	s.cron.Start()
}

// Stop halts future ticks; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")
	return s.cron.Stop()
}

// Jobs lists registered jobs in name order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for name, registered := range s.jobs {
		entry := s.cron.Entry(registered.entryID)
		infos = append(infos, JobInfo{
			Name:     name,
			Schedule: registered.schedule,
			NextRun:  entry.Next,
			LastRun:  entry.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Scheduler) execute(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		return err
	}
	s.logger.Debug("job completed", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw("cron: "+msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
