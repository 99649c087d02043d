package domain

import (
	"sync/atomic"
)

type SchedulerMetrics struct {
	TasksScheduled    int64 `json:"tasks_scheduled"`
	TasksDispatched   int64 `json:"tasks_dispatched"`
	TasksCompleted    int64 `json:"tasks_completed"`
	TasksFailed       int64 `json:"tasks_failed"`
	RetriesScheduled  int64 `json:"retries_scheduled"`
	RetriesDispatched int64 `json:"retries_dispatched"`
	DeadLettered      int64 `json:"dead_lettered"`
	ResultsDiscarded  int64 `json:"results_discarded"`
	DuplicateResults  int64 `json:"duplicate_results"`
	LockTimeouts      int64 `json:"lock_timeouts"`
	RunsCancelled     int64 `json:"runs_cancelled"`
	SweepRuns         int64 `json:"sweep_runs"`

	ActiveTasks    int64 `json:"active_tasks"`
	RetryQueueSize int64 `json:"retry_queue_size"`

	TotalDispatchTimeNs int64 `json:"total_dispatch_time_ns"`
}

func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{}
}

func (m *SchedulerMetrics) Inc(counter *int64) {
	atomic.AddInt64(counter, 1)
}

func (m *SchedulerMetrics) AddDispatchTime(ns int64) {
	atomic.AddInt64(&m.TotalDispatchTimeNs, ns)
}

func (m *SchedulerMetrics) SetGauges(active, queued int) {
	atomic.StoreInt64(&m.ActiveTasks, int64(active))
	atomic.StoreInt64(&m.RetryQueueSize, int64(queued))
}

func (m *SchedulerMetrics) Snapshot() SchedulerMetrics {
	return SchedulerMetrics{
		TasksScheduled:      atomic.LoadInt64(&m.TasksScheduled),
		TasksDispatched:     atomic.LoadInt64(&m.TasksDispatched),
		TasksCompleted:      atomic.LoadInt64(&m.TasksCompleted),
		TasksFailed:         atomic.LoadInt64(&m.TasksFailed),
		RetriesScheduled:    atomic.LoadInt64(&m.RetriesScheduled),
		RetriesDispatched:   atomic.LoadInt64(&m.RetriesDispatched),
		DeadLettered:        atomic.LoadInt64(&m.DeadLettered),
		ResultsDiscarded:    atomic.LoadInt64(&m.ResultsDiscarded),
		DuplicateResults:    atomic.LoadInt64(&m.DuplicateResults),
		LockTimeouts:        atomic.LoadInt64(&m.LockTimeouts),
		RunsCancelled:       atomic.LoadInt64(&m.RunsCancelled),
		SweepRuns:           atomic.LoadInt64(&m.SweepRuns),
		ActiveTasks:         atomic.LoadInt64(&m.ActiveTasks),
		RetryQueueSize:      atomic.LoadInt64(&m.RetryQueueSize),
		TotalDispatchTimeNs: atomic.LoadInt64(&m.TotalDispatchTimeNs),
	}
}
