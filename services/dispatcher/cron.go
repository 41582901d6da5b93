package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-dispatch/internal/taskqueues"
	"github.com/ramiqadoumi/go-task-dispatch/pkg/telemetry"
)

// Maintainer is the set of scheduler sweeps the CronRunner drives.
type Maintainer interface {
	CronHandleBotDied(ctx context.Context) (killed []string, retried, ignored int, err error)
	CronAbortExpiredTaskToRun(ctx context.Context) (expired, reenqueued []string, err error)
	CronRetryNotifications(ctx context.Context) (sent int, err error)
}

// Tidier prunes lapsed index records.
type Tidier interface {
	TidyStale(ctx context.Context) (taskqueues.TidyStats, error)
}

// Elector decides which instance runs maintenance.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
}

// Schedules holds a cron spec per maintenance job.
type Schedules struct {
	BotDied      string `yaml:"bot_died"`
	AbortExpired string `yaml:"abort_expired"`
	Notify       string `yaml:"notify"`
	TidyStale    string `yaml:"tidy_stale"`
}

// DefaultSchedules returns the production cadence.
func DefaultSchedules() Schedules {
	return Schedules{
		BotDied:      "@every 1m",
		AbortExpired: "@every 1m",
		Notify:       "@every 1m",
		TidyStale:    "@every 1h",
	}
}

// CronRunner fires the maintenance jobs on their schedules. With an Elector
// set, a job runs only on the instance holding the lease.
type CronRunner struct {
	cron    *cron.Cron
	sched   Maintainer
	index   Tidier
	leader  Elector
	logger  *slog.Logger
	timeout time.Duration
	jobs    map[string]func(ctx context.Context) error
}

// CronOption configures a CronRunner.
type CronOption func(*CronRunner)

// WithCronLogger sets the logger. Defaults to slog.Default().
func WithCronLogger(l *slog.Logger) CronOption {
	return func(c *CronRunner) { c.logger = l }
}

// WithElector restricts jobs to the lease holder.
func WithElector(e Elector) CronOption {
	return func(c *CronRunner) { c.leader = e }
}

// WithJobTimeout bounds a single job run. Defaults to 5 minutes.
func WithJobTimeout(d time.Duration) CronOption {
	return func(c *CronRunner) { c.timeout = d }
}

// NewCronRunner registers every job. An invalid schedule is an error.
func NewCronRunner(sched Maintainer, index Tidier, schedules Schedules, opts ...CronOption) (*CronRunner, error) {
	c := &CronRunner{
		sched:   sched,
		index:   index,
		logger:  slog.Default(),
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.jobs = map[string]func(ctx context.Context) error{
		"bot_died":      c.botDied,
		"abort_expired": c.abortExpired,
		"notify":        c.notify,
		"tidy_stale":    c.tidyStale,
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(c.logger.Handler(), slog.LevelWarn))
	c.cron = cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))

	specs := map[string]string{
		"bot_died":      schedules.BotDied,
		"abort_expired": schedules.AbortExpired,
		"notify":        schedules.Notify,
		"tidy_stale":    schedules.TidyStale,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := c.cron.AddFunc(spec, func() { c.run(context.Background(), name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return c, nil
}

// Run fires jobs until ctx is cancelled, then waits for running jobs.
func (c *CronRunner) Run(ctx context.Context) {
	c.cron.Start()
	c.logger.Info("cron runner started", slog.Int("jobs", len(c.cron.Entries())))
	<-ctx.Done()
	<-c.cron.Stop().Done()
	c.logger.Info("cron runner stopped")
}

// run executes one job if this instance is the leader.
func (c *CronRunner) run(ctx context.Context, name string) {
	if c.leader != nil {
		ok, err := c.leader.Acquire(ctx)
		if err != nil {
			c.logger.Error("leader election failed", slog.String("job", name), slog.String("error", err.Error()))
			telemetry.CronRuns.WithLabelValues(name, "error").Inc()
			return
		}
		if !ok {
			telemetry.CronRuns.WithLabelValues(name, "skipped").Inc()
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.jobs[name](ctx); err != nil {
		c.logger.Error("cron job failed",
			slog.String("job", name),
			slog.Duration("took", time.Since(start)),
			slog.String("error", err.Error()),
		)
		telemetry.CronRuns.WithLabelValues(name, "error").Inc()
		return
	}
	telemetry.CronRuns.WithLabelValues(name, "ok").Inc()
}

func (c *CronRunner) botDied(ctx context.Context) error {
	killed, retried, ignored, err := c.sched.CronHandleBotDied(ctx)
	if len(killed) > 0 || retried > 0 {
		c.logger.Info("bot died sweep",
			slog.Int("killed", len(killed)),
			slog.Int("retried", retried),
			slog.Int("ignored", ignored),
		)
	}
	return err
}

func (c *CronRunner) abortExpired(ctx context.Context) error {
	expired, reenqueued, err := c.sched.CronAbortExpiredTaskToRun(ctx)
	if len(expired) > 0 || len(reenqueued) > 0 {
		c.logger.Info("expiration sweep",
			slog.Int("expired", len(expired)),
			slog.Int("reenqueued", len(reenqueued)),
		)
	}
	return err
}

func (c *CronRunner) notify(ctx context.Context) error {
	sent, err := c.sched.CronRetryNotifications(ctx)
	if sent > 0 {
		c.logger.Info("notifications resent", slog.Int("sent", sent))
	}
	return err
}

func (c *CronRunner) tidyStale(ctx context.Context) error {
	stats, err := c.index.TidyStale(ctx)
	c.logger.Info("index tidied",
		slog.Int("task_sets_pruned", stats.TaskSetsPruned),
		slog.Int("bot_entries_deleted", stats.BotEntriesDeleted),
		slog.Int("conflicts_skipped", stats.ConflictsSkipped),
	)
	return err
}
