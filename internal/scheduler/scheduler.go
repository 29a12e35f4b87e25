// Package scheduler runs the periodic maintenance jobs (delivery-log and
// idempotency purge, health recompute) on a seconds-resolution cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tbourn/alertdesk/internal/services"
)

// DefaultTimeout bounds a single job run when the job sets none.
const DefaultTimeout = 2 * time.Minute

var jobRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Scheduled job runs by job and outcome.",
	},
	[]string{"job", "outcome"},
)

func init() { prometheus.MustRegister(jobRuns) }

// Job is a named unit of periodic work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps a cron with zerolog output and per-run timeouts.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New returns a stopped scheduler. Specs take a leading seconds field.
func New(log zerolog.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}
}

// Every returns a spec firing at a fixed interval.
func Every(d time.Duration) string { return "@every " + d.String() }

// Add registers j.
func (s *Scheduler) Add(j Job) (cron.EntryID, error) {
	if j.Run == nil {
		return 0, errors.New("scheduler: job has no Run func")
	}
	id, err := s.cron.AddFunc(j.Spec, func() { s.run(j) })
	if err != nil {
		return 0, fmt.Errorf("scheduler: job %s: %w", j.Name, err)
	}
	s.log.Info().Str("job", j.Name).Str("spec", j.Spec).Msg("job scheduled")
	return id, nil
}

// Start runs the cron in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) run(j Job) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(ctx)
	ev := s.log.Info()
	outcome := "ok"
	if err != nil {
		ev, outcome = s.log.Error().Err(err), "error"
	}
	jobRuns.WithLabelValues(j.Name, outcome).Inc()
	ev.Str("job", j.Name).Dur("took", time.Since(start)).Msg("job finished")
}

// CleanupJob purges expired delivery logs and idempotency records.
func CleanupJob(c *services.CleanupService, spec string, timeout time.Duration) Job {
	return Job{
		Name:    "cleanup",
		Spec:    spec,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			_, err := c.Run(ctx)
			return err
		},
	}
}

// HealthJob recomputes the health of every watched webhook room.
func HealthJob(h *services.HealthMonitor, interval, timeout time.Duration) Job {
	return Job{
		Name:    "health",
		Spec:    Every(interval),
		Timeout: timeout,
		Run:     h.RefreshWatched,
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
