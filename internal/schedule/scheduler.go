// Package schedule runs delayed tasks on a caller-owned goroutine.
//
// Timers only decide when a task is due. The task body is handed to a
// dispatch function, normally one that enqueues it on the hub event loop, so
// task code never races with event handlers.
package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Dispatcher runs fn on the owner's goroutine.
type Dispatcher func(fn func())

type Scheduler struct {
	clock    clock.Clock
	dispatch Dispatcher

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Task
	stopped bool
}

// Task is a handle on one scheduled callback.
type Task struct {
	id        uint64
	name      string
	due       time.Time
	timer     *clock.Timer
	scheduler *Scheduler
	cancelled atomic.Bool
	fired     atomic.Bool
}

// New builds a scheduler. A nil clock uses the wall clock and a nil
// dispatcher runs tasks on the timer goroutine.
func New(source clock.Clock, dispatch Dispatcher) *Scheduler {
	if source == nil {
		source = clock.New()
	}
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Scheduler{
		clock:    source,
		dispatch: dispatch,
		pending:  make(map[uint64]*Task),
	}
}

// Schedule runs fn after delay. The returned task can be cancelled until it
// fires. Scheduling on a stopped scheduler returns an already-cancelled task.
func (scheduler *Scheduler) Schedule(name string, delay time.Duration, fn func()) *Task {
	task := &Task{
		name:      name,
		due:       scheduler.clock.Now().Add(delay),
		scheduler: scheduler,
	}
	if fn == nil {
		task.cancelled.Store(true)
		return task
	}

	scheduler.mu.Lock()
	if scheduler.stopped {
		scheduler.mu.Unlock()
		task.cancelled.Store(true)
		return task
	}
	scheduler.nextID++
	task.id = scheduler.nextID
	scheduler.pending[task.id] = task
	task.timer = scheduler.clock.AfterFunc(delay, func() {
		scheduler.dispatch(func() {
			if task.cancelled.Load() || !task.fired.CompareAndSwap(false, true) {
				return
			}
			scheduler.forget(task.id)
			fn()
		})
	})
	scheduler.mu.Unlock()
	return task
}

// Pending reports how many tasks have not fired or been cancelled.
func (scheduler *Scheduler) Pending() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return len(scheduler.pending)
}

// Stop cancels every pending task and rejects new ones.
func (scheduler *Scheduler) Stop() {
	scheduler.mu.Lock()
	scheduler.stopped = true
	tasks := make([]*Task, 0, len(scheduler.pending))
	for _, task := range scheduler.pending {
		tasks = append(tasks, task)
	}
	scheduler.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
}

func (scheduler *Scheduler) forget(id uint64) {
	scheduler.mu.Lock()
	delete(scheduler.pending, id)
	scheduler.mu.Unlock()
}

func (task *Task) Name() string {
	if task == nil {
		return ""
	}
	return task.name
}

func (task *Task) Due() time.Time {
	if task == nil {
		return time.Time{}
	}
	return task.due
}

// Cancel prevents the task from running. It reports false when the task has
// already fired or was cancelled before.
func (task *Task) Cancel() bool {
	if task == nil || task.fired.Load() {
		return false
	}
	if !task.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if task.timer != nil {
		task.timer.Stop()
	}
	if task.scheduler != nil && task.id != 0 {
		task.scheduler.forget(task.id)
	}
	return true
}

func (task *Task) Cancelled() bool {
	return task != nil && task.cancelled.Load()
}

func (task *Task) Fired() bool {
	return task != nil && task.fired.Load()
}
