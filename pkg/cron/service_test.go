package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) actions(job string) []EventAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventAction
	for _, evt := range l.events {
		if evt.Job == job {
			out = append(out, evt.Action)
		}
	}
	return out
}

func createTestService(t *testing.T, statePath string) (*Service, *eventLog) {
	t.Helper()

	events := &eventLog{}
	service, err := NewService(ServiceOptions{
		Logger:    zerolog.Nop(),
		StatePath: statePath,
		OnEvent:   events.record,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = service.Stop(ctx)
	})
	return service, events
}

func noop(context.Context) error { return nil }

func TestAddJob(t *testing.T) {
	service, events := createTestService(t, "")

	job, err := service.AddJob(AddParams{
		Name:        "capability-refresh",
		Description: "refresh providers",
		Spec:        "@every 5m",
		Enabled:     true,
		Task:        noop,
	})
	require.NoError(t, err)
	assert.Equal(t, ScheduleKindEvery, job.Schedule.Kind)
	assert.Nil(t, job.State.NextRunAt, "not scheduled before Start")
	assert.Equal(t, []EventAction{EventActionAdded}, events.actions("capability-refresh"))

	tests := []struct {
		name    string
		params  AddParams
		wantErr string
	}{
		{"missing name", AddParams{Spec: "@every 1m", Task: noop}, "name is required"},
		{"missing task", AddParams{Name: "x", Spec: "@every 1m"}, "task is required"},
		{"bad schedule", AddParams{Name: "x", Spec: "whenever", Task: noop}, "invalid schedule"},
		{"duplicate", AddParams{Name: "capability-refresh", Spec: "@every 1m", Task: noop}, "already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.AddJob(tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStartSchedulesEnabledJobs(t *testing.T) {
	service, _ := createTestService(t, "")

	var runs atomic.Int32
	_, err := service.AddJob(AddParams{
		Name:    "tick",
		Spec:    "@every 20ms",
		Enabled: true,
		Task: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	_, err = service.AddJob(AddParams{Name: "off", Spec: "@every 20ms", Task: noop})
	require.NoError(t, err)

	require.NoError(t, service.Start())

	job, _ := service.GetJob("tick")
	require.NotNil(t, job.State.NextRunAt)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	off, _ := service.GetJob("off")
	assert.Nil(t, off.State.NextRunAt)
	assert.Zero(t, off.State.Runs)
}

func TestRunJob(t *testing.T) {
	t.Run("records success", func(t *testing.T) {
		service, events := createTestService(t, "")
		_, err := service.AddJob(AddParams{Name: "evict", Spec: "@every 1h", Task: noop})
		require.NoError(t, err)

		job, err := service.RunJob(context.Background(), "evict")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, job.State.LastStatus)
		assert.Equal(t, 1, job.State.Runs)
		assert.NotEmpty(t, job.State.LastRunID)
		assert.NotNil(t, job.State.LastRunAt)
		assert.Nil(t, job.State.RunningSince)
		assert.Equal(t, []EventAction{EventActionAdded, EventActionStarted, EventActionFinished}, events.actions("evict"))
	})

	t.Run("counts consecutive errors", func(t *testing.T) {
		service, _ := createTestService(t, "")
		fail := true
		_, err := service.AddJob(AddParams{
			Name: "flaky",
			Spec: "@every 1h",
			Task: func(context.Context) error {
				if fail {
					return errors.New("provider offline")
				}
				return nil
			},
		})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = service.RunJob(context.Background(), "flaky")
			require.NoError(t, err)
		}
		job, _ := service.GetJob("flaky")
		assert.Equal(t, StatusError, job.State.LastStatus)
		assert.Equal(t, "provider offline", job.State.LastError)
		assert.Equal(t, 2, job.State.ConsecutiveErrors)

		fail = false
		job, err = service.RunJob(context.Background(), "flaky")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, job.State.LastStatus)
		assert.Empty(t, job.State.LastError)
		assert.Zero(t, job.State.ConsecutiveErrors)
	})

	t.Run("recovers panics", func(t *testing.T) {
		service, _ := createTestService(t, "")
		_, err := service.AddJob(AddParams{
			Name: "boom",
			Spec: "@every 1h",
			Task: func(context.Context) error { panic("nil snapshot") },
		})
		require.NoError(t, err)

		job, err := service.RunJob(context.Background(), "boom")
		require.NoError(t, err)
		assert.Equal(t, StatusError, job.State.LastStatus)
		assert.Contains(t, job.State.LastError, "nil snapshot")
	})

	t.Run("rejects overlapping runs", func(t *testing.T) {
		service, _ := createTestService(t, "")
		started := make(chan struct{})
		release := make(chan struct{})
		_, err := service.AddJob(AddParams{
			Name: "slow",
			Spec: "@every 1h",
			Task: func(context.Context) error {
				close(started)
				<-release
				return nil
			},
		})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := service.RunJob(context.Background(), "slow")
			done <- err
		}()
		<-started

		_, err = service.RunJob(context.Background(), "slow")
		assert.ErrorIs(t, err, ErrJobRunning)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _ := createTestService(t, "")
		_, err := service.RunJob(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestUpdateJob(t *testing.T) {
	service, events := createTestService(t, "")
	_, err := service.AddJob(AddParams{Name: "refresh", Spec: "@every 1h", Enabled: true, Task: noop})
	require.NoError(t, err)
	require.NoError(t, service.Start())

	before, _ := service.GetJob("refresh")
	require.NotNil(t, before.State.NextRunAt)

	spec := "@every 2h"
	job, err := service.UpdateJob("refresh", JobPatch{Spec: &spec})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, job.Schedule.Every)
	require.NotNil(t, job.State.NextRunAt)
	assert.True(t, job.State.NextRunAt.After(*before.State.NextRunAt))

	disabled := false
	job, err = service.UpdateJob("refresh", JobPatch{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Nil(t, job.State.NextRunAt)

	bad := "sometimes"
	_, err = service.UpdateJob("refresh", JobPatch{Spec: &bad})
	assert.Error(t, err)

	_, err = service.UpdateJob("missing", JobPatch{Enabled: &disabled})
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t,
		[]EventAction{EventActionAdded, EventActionUpdated, EventActionUpdated},
		events.actions("refresh"))
}

func TestRemoveJob(t *testing.T) {
	service, _ := createTestService(t, "")
	_, err := service.AddJob(AddParams{Name: "sweep", Spec: "@every 10ms", Enabled: true, Task: noop})
	require.NoError(t, err)
	require.NoError(t, service.Start())

	require.NoError(t, service.RemoveJob("sweep"))
	_, ok := service.GetJob("sweep")
	assert.False(t, ok)
	assert.Empty(t, service.ListJobs())

	assert.ErrorIs(t, service.RemoveJob("sweep"), ErrJobNotFound)
}

func TestSingleRunJobDisablesItself(t *testing.T) {
	service, _ := createTestService(t, "")

	var runs atomic.Int32
	_, err := service.AddJob(AddParams{
		Name:    "once",
		Spec:    time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		Enabled: true,
		Task: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, service.Start())

	require.Eventually(t, func() bool {
		job, _ := service.GetJob("once")
		return !job.Enabled && job.State.Runs == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestListJobsSorted(t *testing.T) {
	service, _ := createTestService(t, "")
	for _, name := range []string{"session-evict", "capability-refresh", "gateway-sweep"} {
		_, err := service.AddJob(AddParams{Name: name, Spec: "@every 1h", Task: noop})
		require.NoError(t, err)
	}

	var names []string
	for _, job := range service.ListJobs() {
		names = append(names, job.Name)
	}
	assert.Equal(t, []string{"capability-refresh", "gateway-sweep", "session-evict"}, names)
}

func TestStop(t *testing.T) {
	t.Run("cancels running tasks", func(t *testing.T) {
		service, _ := createTestService(t, "")
		started := make(chan struct{})
		_, err := service.AddJob(AddParams{
			Name: "blocking",
			Spec: "@every 1h",
			Task: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = service.RunJob(context.Background(), "blocking")
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, service.Stop(ctx))
		<-done

		job, _ := service.GetJob("blocking")
		assert.Equal(t, StatusError, job.State.LastStatus)
		assert.Contains(t, job.State.LastError, "context canceled")
	})

	t.Run("rejects changes after stop", func(t *testing.T) {
		service, _ := createTestService(t, "")
		require.NoError(t, service.Stop(context.Background()))
		require.NoError(t, service.Stop(context.Background()))

		_, err := service.AddJob(AddParams{Name: "late", Spec: "@every 1m", Task: noop})
		assert.ErrorIs(t, err, ErrServiceStopped)
		assert.ErrorIs(t, service.Start(), ErrServiceStopped)
	})
}

func TestStatePersistence(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "cron", "state.json")

	first, _ := createTestService(t, statePath)
	_, err := first.AddJob(AddParams{Name: "evict", Spec: "@every 1h", Task: noop})
	require.NoError(t, err)
	ran, err := first.RunJob(context.Background(), "evict")
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	_, err = os.Stat(statePath)
	require.NoError(t, err)

	second, _ := createTestService(t, statePath)
	job, err := second.AddJob(AddParams{Name: "evict", Spec: "@every 1h", Task: noop})
	require.NoError(t, err)
	assert.Equal(t, 1, job.State.Runs)
	assert.Equal(t, ran.State.LastRunID, job.State.LastRunID)
	assert.Equal(t, StatusOK, job.State.LastStatus)
}

func TestCorruptStateIsIgnored(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0o644))

	service, _ := createTestService(t, statePath)
	job, err := service.AddJob(AddParams{Name: "evict", Spec: "@every 1h", Task: noop})
	require.NoError(t, err)
	assert.Zero(t, job.State.Runs)
}
