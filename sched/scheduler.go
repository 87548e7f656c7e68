// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sched

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/changkun/watchdog/task"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Remove when no queued task has the id.
	ErrNotFound = errors.New("sched: task not found")
	// ErrTaskFatal is returned by Run when a task reported task.Fatal.
	ErrTaskFatal = errors.New("sched: task failed")
	// ErrRunning is returned by Run when another Run is active.
	ErrRunning = errors.New("sched: already running")
)

// State of a scheduler
type State int32

// Scheduler states
const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger, the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		s.log = log.Named("sched")
	}
}

// WithResolution sets the longest single sleep while waiting for the next
// due task. Stop is observed at least this often during a wait.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// Scheduler runs tasks in due time order on the goroutine calling Run.
//
// Only one task executes at a time. A task is always in exactly one of
// three places: queued, active (executing outside the queue) or destroyed.
type Scheduler struct {
	// stopping is set by Stop and observed between two tasks.
	stopping atomic.Bool
	state    atomic.Int32
	// wake interrupts a due time wait, on Stop or on Add.
	wake chan struct{}

	tasks *taskQueue

	mu     sync.Mutex
	active *task.Task

	resolution time.Duration
	log        *zap.Logger
}

// New creates an idle scheduler without tasks.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		wake:       make(chan struct{}, 1),
		tasks:      newTaskQueue(),
		resolution: time.Second,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add schedules action to run every interval, the first run one interval
// from now. cleanup may be nil. On failure the returned id is task.BadID
// and the task was not scheduled.
func (s *Scheduler) Add(interval time.Duration, action task.Action, cleanup task.Cleanup) (task.ID, error) {
	t, err := task.New(interval, action, cleanup)
	if err != nil {
		return task.BadID, err
	}
	s.tasks.push(t)
	s.notify()
	s.log.Debug("task added", zap.Stringer("task", t.ID()), zap.Duration("interval", interval))
	return t.ID(), nil
}

// Remove destroys the queued task with the given id. The task that is
// currently executing cannot be removed.
func (s *Scheduler) Remove(id task.ID) error {
	t := s.tasks.remove(id)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Destroy()
	s.log.Debug("task removed", zap.Stringer("task", id))
	return nil
}

// Run dispatches tasks until the queue is empty, Stop is called, a task
// returns task.Stop or a task returns task.Fatal. Only the last case
// returns an error.
func (s *Scheduler) Run() error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) &&
		!s.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return ErrRunning
	}
	defer func() {
		s.stopping.Store(false)
		s.state.Store(int32(Stopped))
	}()

	var err error
	for err == nil && !s.stopping.Load() {
		next := s.tasks.peek()
		if next == nil {
			break
		}
		if !s.waitUntil(next.Next()) {
			continue
		}
		t := s.tasks.popDue(time.Now())
		if t == nil {
			continue
		}
		err = s.dispatch(t)
	}
	return err
}

// dispatch runs t as the active task and applies its signal.
func (s *Scheduler) dispatch(t *task.Task) (err error) {
	s.mu.Lock()
	s.active = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	sig := t.Run()
	switch sig {
	case task.Repeat:
		if t.Destroyed() {
			// cleared while executing
			return nil
		}
		t.Reschedule()
		s.tasks.push(t)
	case task.Done:
		t.Destroy()
	case task.Stop:
		t.Destroy()
		s.Stop()
	case task.Fatal:
		t.Destroy()
		s.Stop()
		s.log.Error("task failed", zap.Stringer("task", t.ID()))
		err = fmt.Errorf("%w: %s", ErrTaskFatal, t.ID())
	default:
		t.Destroy()
		s.log.Warn("unknown task signal", zap.Stringer("task", t.ID()), zap.Stringer("signal", sig))
	}
	return err
}

// waitUntil sleeps until when in steps of at most resolution. It returns
// false if the wait was interrupted by Stop or Add.
func (s *Scheduler) waitUntil(when time.Time) bool {
	d := when.Sub(time.Now())
	if d <= 0 {
		return true
	}
	if d > s.resolution {
		d = s.resolution
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !when.After(time.Now())
	case <-s.wake:
		return false
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop asks Run to return. A task that is executing always finishes first.
// A Stop while Run is not active makes the next Run return immediately.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.notify()
}

// Clear destroys every queued task and the active task, if any.
func (s *Scheduler) Clear() {
	for _, t := range s.tasks.drain() {
		t.Destroy()
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Destroy()
	}
}

// Len returns the number of queued tasks plus the active one.
func (s *Scheduler) Len() int {
	n := s.tasks.length()
	s.mu.Lock()
	if s.active != nil {
		n++
	}
	s.mu.Unlock()
	return n
}

// Empty reports whether no task is queued or active.
func (s *Scheduler) Empty() bool {
	return s.Len() == 0
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}
