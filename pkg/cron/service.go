package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrJobRunning     = errors.New("job is already running")
	ErrServiceStopped = errors.New("service is stopped")
)

// Service runs named maintenance jobs on their schedules.
type Service struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	saved   map[string]JobState
	options ServiceOptions
	logger  zerolog.Logger
	now     func() time.Time
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a cron service. Jobs are not scheduled until Start.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		saved:   make(map[string]JobState),
		options: opts,
		logger:  opts.Logger.With().Str("component", "cron").Logger(),
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadState(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load job state, starting fresh")
	}

	return s, nil
}

// AddJob registers a job. Run history saved under the same name is
// restored.
func (s *Service) AddJob(params AddParams) (Job, error) {
	if params.Name == "" {
		return Job{}, fmt.Errorf("job name is required")
	}
	if params.Task == nil {
		return Job{}, fmt.Errorf("job %s: task is required", params.Name)
	}
	schedule, err := ParseSchedule(params.Spec)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: invalid schedule: %w", params.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Job{}, ErrServiceStopped
	}
	if _, exists := s.jobs[params.Name]; exists {
		return Job{}, fmt.Errorf("%w: %s", ErrJobExists, params.Name)
	}

	job := &Job{
		Name:        params.Name,
		Description: params.Description,
		Spec:        params.Spec,
		Schedule:    schedule,
		Enabled:     params.Enabled,
		task:        params.Task,
	}
	if state, ok := s.saved[params.Name]; ok {
		state.NextRunAt = nil
		state.RunningSince = nil
		job.State = state
	}
	s.jobs[job.Name] = job

	if s.started && job.Enabled {
		s.scheduleJobLocked(job)
	}

	s.logger.Info().
		Str("job", job.Name).
		Str("spec", job.Spec).
		Bool("enabled", job.Enabled).
		Msg("Job added")

	s.options.OnEvent(Event{Action: EventActionAdded, Job: job.Name})

	return *job, nil
}

// UpdateJob changes a job's schedule, description or enabled flag and
// reschedules it.
func (s *Service) UpdateJob(name string, patch JobPatch) (Job, error) {
	var schedule Schedule
	if patch.Spec != nil {
		parsed, err := ParseSchedule(*patch.Spec)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: invalid schedule: %w", name, err)
		}
		schedule = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Job{}, ErrServiceStopped
	}
	job, exists := s.jobs[name]
	if !exists {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	scheduleChanged := false
	enabledChanged := false

	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Spec != nil && *patch.Spec != job.Spec {
		job.Spec = *patch.Spec
		job.Schedule = schedule
		scheduleChanged = true
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		enabledChanged = true
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(name)
		job.State.NextRunAt = nil
		if s.started && job.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	s.logger.Info().
		Str("job", name).
		Bool("scheduleChanged", scheduleChanged).
		Bool("enabledChanged", enabledChanged).
		Msg("Job updated")

	s.options.OnEvent(Event{Action: EventActionUpdated, Job: name, NextRunAt: job.State.NextRunAt})

	return *job, nil
}

// RemoveJob deletes a job. A run in progress is allowed to finish.
func (s *Service) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	s.cancelJobLocked(name)
	delete(s.jobs, name)
	delete(s.saved, name)

	s.logger.Info().Str("job", name).Msg("Job removed")
	s.options.OnEvent(Event{Action: EventActionRemoved, Job: name})

	return nil
}

// Start schedules every enabled job.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service started")
	return nil
}

// RunJob runs a job now and waits for it, regardless of its schedule or
// enabled flag. The job's timer is left alone.
func (s *Service) RunJob(ctx context.Context, name string) (Job, error) {
	if err := s.executeJob(ctx, name, false); err != nil {
		return Job{}, err
	}
	job, ok := s.GetJob(name)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, nil
}

// ListJobs returns copies of all jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// GetJob returns a copy of the named job.
func (s *Service) GetJob(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Stop cancels all timers, cancels running tasks and waits for them until
// ctx is done, then persists job state.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for name := range s.timers {
		s.cancelJobLocked(name)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}

	s.mu.Lock()
	persistErr := s.persistLocked()
	s.mu.Unlock()
	if persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist job state on shutdown")
	}

	s.logger.Info().Msg("Cron service stopped")

	return errors.Join(waitErr, persistErr)
}

// scheduleJobLocked arms the job's timer (must hold lock)
func (s *Service) scheduleJobLocked(job *Job) {
	now := s.now()
	next, err := CalculateNextRun(job.Schedule, now)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Cannot schedule job")
		return
	}
	job.State.NextRunAt = timePtr(next)

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}

	name := job.Name
	s.timers[name] = time.AfterFunc(delay, func() {
		if err := s.executeJob(s.ctx, name, true); err != nil && !errors.Is(err, ErrServiceStopped) {
			s.logger.Debug().Err(err).Str("job", name).Msg("Scheduled run did not execute")
		}
	})

	s.logger.Debug().
		Str("job", name).
		Dur("delay", delay).
		Time("nextRun", next).
		Msg("Job scheduled")
}

// cancelJobLocked stops a job's timer (must hold lock)
func (s *Service) cancelJobLocked(name string) {
	if timer, exists := s.timers[name]; exists {
		timer.Stop()
		delete(s.timers, name)
	}
}

// executeJob runs the named job once. Scheduled runs rearm the job's timer
// afterwards; an "at" job is disabled after its scheduled run.
func (s *Service) executeJob(ctx context.Context, name string, scheduled bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if scheduled {
		delete(s.timers, name)
	}
	if job.State.RunningSince != nil {
		if scheduled {
			job.State.LastStatus = StatusSkipped
			s.rescheduleLocked(job)
		}
		s.mu.Unlock()
		s.options.OnEvent(Event{Action: EventActionFinished, Job: name, Status: StatusSkipped})
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	start := s.now()
	runID := uuid.NewString()
	job.State.RunningSince = timePtr(start)
	task := job.task
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	logger := s.logger.With().Str("job", name).Str("run_id", runID).Logger()
	logger.Info().Bool("scheduled", scheduled).Msg("Executing job")
	s.options.OnEvent(Event{Action: EventActionStarted, Job: name, RunID: runID})

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	err := runTask(runCtx, task)
	stop()
	cancel()

	s.mu.Lock()
	duration := s.now().Sub(start)
	job.State.RunningSince = nil
	job.State.LastRunAt = timePtr(start)
	job.State.LastRunID = runID
	job.State.LastDuration = duration
	job.State.Runs++

	if err != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++

		logger.Error().
			Err(err).
			Int("consecutiveErrors", job.State.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0

		logger.Info().Dur("duration", duration).Msg("Job execution completed")
	}

	if scheduled {
		s.rescheduleLocked(job)
	}
	if persistErr := s.persistLocked(); persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist job state")
	}
	event := Event{
		Action:    EventActionFinished,
		Job:       name,
		RunID:     runID,
		Status:    job.State.LastStatus,
		Error:     job.State.LastError,
		Duration:  duration,
		NextRunAt: job.State.NextRunAt,
	}
	s.mu.Unlock()

	s.options.OnEvent(event)
	return nil
}

// rescheduleLocked arms the next run of a job whose timer just fired
// (must hold lock).
func (s *Service) rescheduleLocked(job *Job) {
	if s.stopped || !job.Enabled {
		job.State.NextRunAt = nil
		return
	}
	if s.jobs[job.Name] != job {
		return
	}
	if job.Schedule.Kind == ScheduleKindAt {
		job.Enabled = false
		job.State.NextRunAt = nil
		return
	}
	s.scheduleJobLocked(job)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx)
}

// loadState reads persisted job state.
func (s *Service) loadState() error {
	if s.options.StatePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.options.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read job state: %w", err)
	}

	var saved map[string]JobState
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("failed to parse job state: %w", err)
	}
	if saved != nil {
		s.saved = saved
	}

	s.logger.Debug().Int("count", len(saved)).Msg("Loaded job state")
	return nil
}

// persistLocked writes job state atomically (must hold lock).
func (s *Service) persistLocked() error {
	if s.options.StatePath == "" {
		return nil
	}

	state := make(map[string]JobState, len(s.jobs))
	for name, job := range s.jobs {
		state[name] = job.State
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StatePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StatePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StatePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
