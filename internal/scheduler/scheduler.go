package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/bizflow/internal/logging"
)

// DefaultCleanupSchedule runs retention cleanup hourly.
const DefaultCleanupSchedule = "@every 1h"

// DefaultRetention is how long terminal executions are kept.
const DefaultRetention = 24 * time.Hour

// Launcher starts a template run without waiting for it.
// Satisfied by *templates.Registry.
type Launcher interface {
	LaunchAsync(ctx context.Context, templateID string, params map[string]any) (string, error)
}

// Executions is the live execution view. Satisfied by *engine.ExecutionStore.
type Executions interface {
	ListActive() []string
	CleanupOlderThan(age time.Duration) int
}

// Archive removes persisted executions. Satisfied by store.Store.
type Archive interface {
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job launches a template on a cron schedule.
type Job struct {
	Name     string         `koanf:"name" json:"name"`
	Template string         `koanf:"template" json:"template" validate:"required"`
	Cron     string         `koanf:"cron" json:"cron" validate:"required"`
	Params   map[string]any `koanf:"params" json:"params,omitempty"`
}

// Options configures a Scheduler. Launcher may be nil when Jobs is empty;
// Archive may be nil when nothing is persisted.
type Options struct {
	Launcher        Launcher
	Executions      Executions
	Archive         Archive
	Retention       time.Duration
	CleanupSchedule string
	Jobs            []Job
	Logger          *slog.Logger
}

// CleanupResult reports what one retention pass removed.
type CleanupResult struct {
	Live     int   `json:"live"`
	Archived int64 `json:"archived"`
}

// Entry describes a registered schedule.
type Entry struct {
	Name string    `json:"name"`
	Cron string    `json:"cron"`
	Next time.Time `json:"next_run"`
}

// Scheduler runs retention cleanup and scheduled template launches.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	launcher   Launcher
	executions Executions
	archive    Archive
	retention  time.Duration
	logger     *slog.Logger

	jobs    map[string]Job
	entries map[string]cron.EntryID
	exprs   map[string]string

	mu      sync.Mutex
	ctx     context.Context
	running bool

	inflightMu sync.Mutex
	inflight   map[string]string // job name -> last execution id
}

const cleanupEntry = "cleanup"

// New validates every schedule and registers the jobs. Nothing runs until Start.
func New(opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Executions == nil {
		return nil, fmt.Errorf("scheduler: executions view is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = DefaultCleanupSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:     parser,
		launcher:   opts.Launcher,
		executions: opts.Executions,
		archive:    opts.Archive,
		retention:  opts.Retention,
		logger:     logger,
		jobs:       make(map[string]Job, len(opts.Jobs)),
		entries:    make(map[string]cron.EntryID, len(opts.Jobs)+1),
		exprs:      make(map[string]string, len(opts.Jobs)+1),
		ctx:        context.Background(),
		inflight:   make(map[string]string),
	}

	if err := s.add(cleanupEntry, opts.CleanupSchedule, func() {
		if _, err := s.RunCleanup(s.context()); err != nil {
			s.logger.Error("scheduled cleanup failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, err
	}

	for i, job := range opts.Jobs {
		if job.Template == "" {
			return nil, fmt.Errorf("schedule %d: template is required", i)
		}
		if s.launcher == nil {
			return nil, fmt.Errorf("schedule %d: no launcher configured", i)
		}
		if job.Name == "" {
			job.Name = fmt.Sprintf("%s#%d", job.Template, i)
		}
		if _, dup := s.jobs[job.Name]; dup || job.Name == cleanupEntry {
			return nil, fmt.Errorf("schedule %q: duplicate name", job.Name)
		}
		s.jobs[job.Name] = job
		name := job.Name
		if err := s.add(name, job.Cron, func() {
			if _, err := s.RunJob(s.context(), name); err != nil {
				s.logger.Error("scheduled launch failed",
					slog.String("job", name),
					slog.String("error", err.Error()),
				)
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, expr string, fn func()) error {
	id, err := s.cron.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("schedule %q: parse cron expression %q: %w", name, expr, err)
	}
	s.entries[name] = id
	s.exprs[name] = expr
	return nil
}

// Start begins firing schedules. Launches use ctx without its cancellation;
// Stop ends the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx = context.WithoutCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.entries)))
	return nil
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// RunCleanup evicts terminal executions older than the retention from
// memory and from the archive.
func (s *Scheduler) RunCleanup(ctx context.Context) (CleanupResult, error) {
	res := CleanupResult{Live: s.executions.CleanupOlderThan(s.retention)}
	if s.archive != nil {
		n, err := s.archive.DeleteExecutionsBefore(ctx, time.Now().UTC().Add(-s.retention))
		if err != nil {
			return res, err
		}
		res.Archived = n
	}
	if res.Live > 0 || res.Archived > 0 {
		s.logger.Info("cleaned up executions",
			slog.Int("live", res.Live),
			slog.Int64("archived", res.Archived),
		)
	}
	return res, nil
}

// RunJob launches the named schedule now. It returns "" without launching
// while the previous run of the same schedule is still active.
func (s *Scheduler) RunJob(ctx context.Context, name string) (string, error) {
	job, ok := s.jobs[name]
	if !ok {
		return "", fmt.Errorf("schedule %q not found", name)
	}
	if !s.tryAcquire(name) {
		s.logger.Warn("previous scheduled run still active, skipping", slog.String("job", name))
		return "", nil
	}

	id, err := s.launcher.LaunchAsync(ctx, job.Template, job.Params)
	if err != nil {
		s.release(name)
		return "", err
	}
	s.inflightMu.Lock()
	s.inflight[name] = id
	s.inflightMu.Unlock()

	logging.LogWith(logging.WithExecutionID(ctx, id), s.logger).Info("scheduled launch",
		slog.String("job", name),
		slog.String("template", job.Template),
	)
	return id, nil
}

// tryAcquire reports whether name has no active run, reserving it if so.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	if last, ok := s.inflight[name]; ok {
		if last == "" {
			return false
		}
		for _, id := range s.executions.ListActive() {
			if id == last {
				return false
			}
		}
	}
	s.inflight[name] = ""
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Entries lists the registered schedules with their next fire time, which
// is zero before Start.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, Entry{Name: name, Cron: s.exprs[name], Next: e.Next})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
