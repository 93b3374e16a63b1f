package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"barreplay/internal/logging"
)

// Task is one scheduled daily backfill
type Task struct {
	ID          string     `json:"id"`
	Ticker      string     `json:"ticker"`
	Schedule    string     `json:"schedule"`
	LastRunTime time.Time  `json:"last_run_time"`
	NextRunTime time.Time  `json:"next_run_time"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`

	entry cron.EntryID
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// JobRunner runs one job, Pipeline in production
type JobRunner interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// Scheduler backfills the day lagDays before today for every task
type Scheduler struct {
	cron    *cron.Cron
	runner  JobRunner
	loc     *time.Location
	lagDays int
	tasks   map[string]*Task
	mu      sync.RWMutex
	logger  *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler whose cron specs have a seconds field
// and are read in loc
func NewScheduler(runner JobRunner, loc *time.Location, lagDays int, logger *logging.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if lagDays <= 0 {
		lagDays = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		runner:  runner,
		loc:     loc,
		lagDays: lagDays,
		tasks:   make(map[string]*Task),
		logger:  logging.OrGlobal(logger).WithField("component", "scheduler"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddTask schedules a daily backfill of ticker
func (s *Scheduler) AddTask(ticker, schedule string) (*Task, error) {
	task := &Task{
		ID:       fmt.Sprintf("%s_%d", ticker, time.Now().UnixNano()),
		Ticker:   ticker,
		Schedule: schedule,
		Status:   TaskStatusPending,
	}

	id, err := s.cron.AddFunc(schedule, func() {
		s.runTask(s.ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	task.entry = id

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.logger.WithField("ticker", ticker).WithField("schedule", schedule).Info("Scheduled daily backfill")
	return task, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Day returns the calendar day a run starting at t backfills
func (s *Scheduler) Day(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d-s.lagDays, 0, 0, 0, 0, s.loc)
}

// RunNow runs every task once, one after the other
func (s *Scheduler) RunNow(ctx context.Context) {
	for _, task := range s.ListTasks() {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	day := s.Day(s.now())

	s.mu.Lock()
	if task.Status == TaskStatusRunning {
		s.mu.Unlock()
		s.logger.WithField("ticker", task.Ticker).Warn("Previous run still in progress, skipping")
		return
	}
	task.Status = TaskStatusRunning
	task.LastRunTime = s.now()
	s.mu.Unlock()

	_, err := s.runner.Run(ctx, Job{Ticker: task.Ticker, StartDate: day, EndDate: day})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		s.logger.WithError(err).WithField("ticker", task.Ticker).Error("Scheduled backfill failed")
	} else {
		task.Status = TaskStatusCompleted
		task.Error = ""
	}
}

// GetTask gets a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return task, nil
}

// ListTasks lists all tasks with their next run time
func (s *Scheduler) ListTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		task.NextRunTime = s.cron.Entry(task.entry).Next
		tasks = append(tasks, task)
	}
	return tasks
}

// Snapshot returns copies of all tasks, safe to encode while jobs run
func (s *Scheduler) Snapshot() []Task {
	tasks := s.ListTasks()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out
}
