// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package task defines the unit of work the scheduler dispatches.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is returned by an Action and tells the scheduler what to do with
// the task afterwards.
type Signal int

const (
	// Repeat reschedules the task one interval after its previous run time.
	Repeat Signal = iota
	// Done destroys the task; the scheduler keeps running.
	Done
	// Stop destroys the task and stops the whole scheduler.
	Stop
	// Fatal destroys the task and force-stops the scheduler with an error.
	Fatal
)

func (s Signal) String() string {
	switch s {
	case Repeat:
		return "repeat"
	case Done:
		return "done"
	case Stop:
		return "stop"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Action is the work a task performs on every run.
type Action func() Signal

// Cleanup releases whatever an Action holds.
type Cleanup func()

// ID identifies a task for its whole lifetime.
type ID uuid.UUID

// BadID is returned when a task could not be scheduled.
var BadID = ID(uuid.Nil)

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ErrIdentity is returned when no unique id could be generated.
var ErrIdentity = errors.New("task: cannot generate task id")

// Task wraps an action with its schedule.
type Task struct {
	id       ID
	interval time.Duration
	next     time.Time
	action   Action
	cleanup  Cleanup

	cleanOnce sync.Once
	destroyed bool
	mu        sync.Mutex
}

// New creates a task that first runs one interval from now.
func New(interval time.Duration, action Action, cleanup Cleanup) (*Task, error) {
	if action == nil {
		return nil, errors.New("task: nil action")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentity, err)
	}
	return &Task{
		id:       ID(id),
		interval: interval,
		next:     time.Now().Add(interval),
		action:   action,
		cleanup:  cleanup,
	}, nil
}

// ID returns the unique ID of the task.
func (t *Task) ID() ID {
	return t.id
}

// Interval returns the repeat interval.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// Next returns the time the task is due.
func (t *Task) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Reschedule moves the due time one interval past the previous due time.
// Runs missed while the task was late are skipped: if that time already
// passed, the task is due one interval from now.
func (t *Task) Reschedule() {
	t.mu.Lock()
	t.next = t.next.Add(t.interval)
	if now := time.Now(); !t.next.After(now) {
		t.next = now.Add(t.interval)
	}
	t.mu.Unlock()
}

// Run executes the action. A panicking action reports Fatal. On Fatal the
// cleanup runs right away, before the caller destroys the task.
func (t *Task) Run() (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			sig = Fatal
		}
		if sig == Fatal {
			t.runCleanup()
		}
	}()
	return t.action()
}

// Destroy runs the cleanup, unless it already ran, and marks the task
// destroyed. Destroy may be called more than once.
func (t *Task) Destroy() {
	t.runCleanup()
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
}

// Destroyed reports whether Destroy was called.
func (t *Task) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

func (t *Task) runCleanup() {
	t.cleanOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup()
		}
	})
}
