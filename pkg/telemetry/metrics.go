package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Index ───────────────────────────────────────────────────────────────────

	IndexAssertTask = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "assert_task_total",
		Help:      "Requirement sets asserted, labelled by outcome (hit, inline, enqueued, throttled).",
	}, []string{"outcome"})

	IndexRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "task_rebuilds_total",
		Help:      "Task cache rebuilds, labelled by result.",
	}, []string{"result"})

	IndexRebuildBots = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "task_rebuild_bots",
		Help:      "Bots matched by one task cache rebuild.",
		Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	IndexBotRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "bot_rebuilds_total",
		Help:      "Bot queue rebuilds triggered by a dimension change.",
	})

	IndexQueueLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "queue_lookups_total",
		Help:      "Bot queue lookups, labelled by cache result (hit, miss, error).",
	}, []string{"cache"})

	IndexTidyDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "index",
		Name:      "tidy_deleted_total",
		Help:      "Stale index entries removed, labelled by kind.",
	}, []string{"kind"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "requests_total",
		Help:      "Scheduled requests, labelled by initial state.",
	}, []string{"state"})

	SchedulerReaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "reaps_total",
		Help:      "Bot polls, labelled by result (task, terminate, idle).",
	}, []string{"result"})

	SchedulerReapDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "reap_duration_seconds",
		Help:      "Time spent finding work for one bot poll.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SchedulerClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "claim_conflicts_total",
		Help:      "Ledger entries lost to a concurrent claim.",
	})

	SchedulerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "terminal_transitions_total",
		Help:      "Tasks reaching a terminal state, labelled by state.",
	}, []string{"state"})

	SchedulerNotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "notify_failures_total",
		Help:      "Completion notifications that could not be delivered.",
	})

	// ─── Rebuilder ───────────────────────────────────────────────────────────────

	RebuilderMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "rebuilder",
		Name:      "messages_total",
		Help:      "Rebuild messages consumed, labelled by result (ok, retry, malformed).",
	}, []string{"result"})

	RebuilderThrottledSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "rebuilder",
		Name:      "throttled_seconds_total",
		Help:      "Time spent waiting on the rebuild rate limiter.",
	})

	// ─── Cron ────────────────────────────────────────────────────────────────────

	CronRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "cron",
		Name:      "runs_total",
		Help:      "Maintenance job runs, labelled by job and result (ok, error, skipped).",
	}, []string{"job", "result"})

	CronAffected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "cron",
		Name:      "affected_total",
		Help:      "Entities changed by maintenance jobs, labelled by job and outcome.",
	}, []string{"job", "outcome"})
)
