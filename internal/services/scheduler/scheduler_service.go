package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
)

// JobHandler is the work run on every tick of a registered job
type JobHandler func(ctx context.Context) error

// JobStatus is a snapshot of a registered job
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int        `json:"runs"`
}

type job struct {
	status  JobStatus
	handler JobHandler
	entryID cron.EntryID
}

// Service runs the periodic background jobs (batch formation, retention) on a cron scheduler.
// A job never overlaps itself: a tick or trigger that arrives mid-run is dropped.
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	jobs    map[string]*job
	wg      sync.WaitGroup
	started bool
}

// NewService creates a scheduler; jobs can be registered before or after Start
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithLogger(cronLogger{logger: logger})),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// RegisterJob adds a job under a cron schedule. Descriptors such as "@every 60s" are accepted.
func (s *Service) RegisterJob(name, schedule, description string, handler JobHandler) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.run(name, "schedule") })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.jobs[name] = &job{
		status: JobStatus{
			Name:        name,
			Schedule:    schedule,
			Description: description,
			Enabled:     true,
		},
		handler: handler,
		entryID: id,
	}

	s.logger.Info().Str("job_name", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// Start begins firing scheduled ticks
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.started = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the ticks, cancels the context of running jobs and waits for them to return
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// GetJobStatus returns a snapshot of one job
func (s *Service) GetJobStatus(name string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %s not found", name)
	}
	return s.snapshot(j), nil
}

// GetAllJobStatuses returns a snapshot of every job ordered by name
func (s *Service) GetAllJobStatuses() []*JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]*JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, s.snapshot(j))
	}
	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })
	return statuses
}

// snapshot copies the status of j; s.mu must be held
func (s *Service) snapshot(j *job) *JobStatus {
	status := j.status
	if s.started {
		if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return &status
}

// TriggerJob runs a job now, outside its schedule
func (s *Service) TriggerJob(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	running := ok && j.status.IsRunning
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	if running {
		return fmt.Errorf("job %s is already running", name)
	}

	common.SafeGo(s.logger, "job-"+name, func() { s.run(name, "manual") })
	return nil
}

// run executes one pass of a job, recording the outcome on its status
func (s *Service) run(name, trigger string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if j.status.IsRunning {
		s.mu.Unlock()
		s.logger.Debug().Str("job_name", name).Str("trigger", trigger).Msg("Job still running, skipping")
		return
	}
	j.status.IsRunning = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := time.Now()
	err := s.invoke(j.handler)

	s.mu.Lock()
	j.status.IsRunning = false
	j.status.LastRun = &started
	j.status.Runs++
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job_name", name).Str("trigger", trigger).
			Dur("duration", time.Since(started)).Msg("Job failed")
		return
	}
	s.logger.Trace().Str("job_name", name).Str("trigger", trigger).
		Dur("duration", time.Since(started)).Msg("Job completed")
}

// invoke calls handler, converting a panic into an error
func (s *Service) invoke(handler JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(s.ctx)
}

// cronLogger adapts arbor to cron.Logger
type cronLogger struct {
	logger arbor.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Str("component", "cron").Str("fields", fmt.Sprint(keysAndValues...)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Str("component", "cron").Str("fields", fmt.Sprint(keysAndValues...)).Msg(msg)
}
