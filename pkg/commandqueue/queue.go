package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// remove drops record from the queue and reports whether it was still queued.
func (ls *laneState) remove(record *taskRecord) bool {
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Stats describes one lane.
type Stats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// CommandQueue provides lane-based task execution with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// New creates an empty CommandQueue. Lanes are created on first use with
// concurrency 1.
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "commandqueue").Logger(),
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok = cq.lanes[name]; !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[name] = ls
		cq.logger.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls
}

// Enqueue submits task to lane and blocks until it finishes. If ctx ends
// while the task is still queued, the task is withdrawn and ctx.Err() is
// returned. A running task sees ctx through its own context.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "hiplan.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	ls := cq.lane(lane)

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane, ls)

	select {
	case res := <-record.result:
		tracing.EndSpan(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
		ls.mu.Lock()
		withdrawn := ls.remove(record)
		queueSize = len(ls.queue)
		ls.mu.Unlock()

		if withdrawn {
			observability.SetQueueSize(lane, queueSize)
			logger.Debug().Str("lane", lane).Str("task_id", taskID).Msg("Queued task withdrawn")
			return nil, ctx.Err()
		}
		// Already started: the task observes ctx itself.
		res := <-record.result
		return res.value, res.err
	}
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if cq.ctx.Err() != nil {
			record.result <- taskResult{err: ErrClosed}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, "hiplan.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)

	runCtx, cancel := context.WithCancel(ctx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	if err != nil {
		logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if oldMax != concurrency {
		cq.logger.Info().Str("lane", lane).Int("old_max", oldMax).Int("new_max", concurrency).Msg("Lane concurrency updated")
	}
	if concurrency > oldMax {
		cq.processLane(lane, ls)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]Stats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]Stats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = Stats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued task in lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	cleared := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range cleared {
		record.result <- taskResult{err: ErrLaneCleared}
	}

	cq.logger.Info().Str("lane", lane).Int("cleared", len(cleared)).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)
	return len(cleared)
}

// WaitForActive waits until no lane has running or queued tasks, or ctx ends.
func (cq *CommandQueue) WaitForActive(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range cq.GetStats() {
			if s.Running > 0 || s.Queued > 0 {
				idle = false
				break
			}
		}
		if idle {
			return true
		}

		select {
		case <-ctx.Done():
			cq.logger.Warn().Msg("Timeout waiting for active tasks")
			return false
		case <-ticker.C:
		}
	}
}

// Close cancels running tasks, rejects queued ones and waits for workers.
func (cq *CommandQueue) Close() error {
	cq.cancel()

	cq.mu.RLock()
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.RUnlock()

	for _, name := range names {
		ls := cq.lane(name)
		ls.mu.Lock()
		pending := ls.queue
		ls.queue = nil
		ls.mu.Unlock()
		for _, record := range pending {
			record.result <- taskResult{err: ErrClosed}
		}
	}

	cq.wg.Wait()
	return nil
}
