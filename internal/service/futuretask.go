package service

import (
	"context"
	"log/slog"
	"sync"
)

// FutureTaskID identifies one task submitted to a FutureTaskManager.
type FutureTaskID uint64

// FutureTask is a unit of background work the Service wants cancelled on
// shutdown: handshakes, dials, and per-session notify timers all run as
// FutureTasks so a single Shutdown call can tear all of them down.
type FutureTask func(ctx context.Context)

// futureTaskSubmitLimit / futureTaskCompleteLimit bound how many
// submissions/completions the manager drains per Poll turn (spec.md §4.1).
const (
	futureTaskSubmitLimit   = 128
	futureTaskCompleteLimit = 64
)

// FutureTaskManager owns the set of background tasks spawned by the
// Service and gives it a cooperative way to cancel all of them on
// shutdown. Submissions arrive on submitCh; each is wrapped in a goroutine
// racing the task against a per-task cancellation signal, and its id is
// reported back on doneCh when either finishes.
type FutureTaskManager struct {
	submitCh chan FutureTask
	doneCh   chan FutureTaskID

	mu      sync.Mutex
	nextID  FutureTaskID
	cancels map[FutureTaskID]context.CancelFunc

	logger *slog.Logger
}

// NewFutureTaskManager constructs a manager. submitCap sizes the
// submission channel; it should comfortably exceed one Poll turn's worth
// of task submissions.
func NewFutureTaskManager(submitCap int, logger *slog.Logger) *FutureTaskManager {
	return &FutureTaskManager{
		submitCh: make(chan FutureTask, submitCap),
		doneCh:   make(chan FutureTaskID, submitCap),
		cancels:  make(map[FutureTaskID]context.CancelFunc),
		logger:   logger.With(slog.String("component", "service.futuretask")),
	}
}

// Submit enqueues a task for the manager to spawn on its next Poll turn.
// Non-blocking only in the sense that it never blocks past the submission
// channel's capacity; callers that need a guarantee should size submitCap
// generously, matching the Rust source's unbounded-in-practice channel.
func (m *FutureTaskManager) Submit(task FutureTask) {
	m.submitCh <- task
}

// BlockingSubmit wraps task so it always runs on its own goroutine
// regardless of what it does internally. In Go, unlike a single-threaded
// async runtime, every goroutine already runs concurrently with every
// other and a synchronous task cannot starve the scheduler -- so this
// wrapper exists purely to preserve the call-site symmetry with
// spec.md §4.1's BlockingFutureTask and to make the "this does blocking
// work" intent visible at the call site.
func (m *FutureTaskManager) BlockingSubmit(task FutureTask) {
	m.Submit(task)
}

// poll drains up to futureTaskSubmitLimit submissions and
// futureTaskCompleteLimit completions. It reports whether either limit was
// hit (meaning there may be more work immediately available) so the caller
// can decide whether to schedule a delayed wake instead of spinning.
func (m *FutureTaskManager) poll(ctx context.Context) (hadMoreSubmissions, hadMoreCompletions bool) {
	for i := 0; i < futureTaskSubmitLimit; i++ {
		select {
		case task, ok := <-m.submitCh:
			if !ok {
				return false, false
			}
			m.spawn(ctx, task)
		default:
			goto completions
		}
		if i == futureTaskSubmitLimit-1 {
			hadMoreSubmissions = true
		}
	}

completions:
	for i := 0; i < futureTaskCompleteLimit; i++ {
		select {
		case id := <-m.doneCh:
			m.remove(id)
		default:
			return hadMoreSubmissions, false
		}
		if i == futureTaskCompleteLimit-1 {
			hadMoreCompletions = true
		}
	}
	return hadMoreSubmissions, hadMoreCompletions
}

func (m *FutureTaskManager) spawn(parent context.Context, task FutureTask) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	taskCtx, cancel := context.WithCancel(parent)
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.logger.Debug("starting future task", slog.Uint64("task_id", uint64(id)))
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("future task panic", slog.Any("panic", r), slog.Uint64("task_id", uint64(id)))
			}
			m.doneCh <- id
		}()
		task(taskCtx)
	}()
}

func (m *FutureTaskManager) remove(id FutureTaskID) {
	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()
}

// Count returns the number of live background tasks. Exposed for testing
// invariant 4 of spec.md §8: this must return to zero after Shutdown.
func (m *FutureTaskManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Shutdown cancels every live task's context. Unlike a bare channel close
// or dropping the cancel funcs, calling each CancelFunc explicitly
// guarantees every waiter is woken even on runtimes where that isn't
// otherwise promised -- this mirrors the Rust source's explicit
// drain-and-send over Drop (future_task.rs, "just drop may can't notify
// the receiver").
func (m *FutureTaskManager) Shutdown() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for id, cancel := range m.cancels {
		cancels = append(cancels, cancel)
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
