// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package tasktest provides helpers for scheduler tests.
package tasktest

import (
	"sync"
	"time"

	"github.com/changkun/watchdog/task"
)

// Order is used for recording execution order
type Order struct {
	mu    sync.Mutex
	order []string
	times []time.Time
}

// Push an execution id
func (o *Order) Push(s string) {
	o.mu.Lock()
	o.order = append(o.order, s)
	o.times = append(o.times, time.Now())
	o.mu.Unlock()
}

// Get order
func (o *Order) Get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.order...)
}

// Times returns the execution time of every recorded id.
func (o *Order) Times() []time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Time{}, o.times...)
}

// Count how often id was recorded.
func (o *Order) Count(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.order {
		if s == id {
			n++
		}
	}
	return n
}

// Clear the order
func (o *Order) Clear() {
	o.mu.Lock()
	o.order = []string{}
	o.times = nil
	o.mu.Unlock()
}

// Record returns an action that pushes id and then returns sig.
func (o *Order) Record(id string, sig task.Signal) task.Action {
	return func() task.Signal {
		o.Push(id)
		return sig
	}
}

// RepeatN returns an action that pushes id, repeating n times before it
// reports task.Done.
func (o *Order) RepeatN(id string, n int) task.Action {
	runs := 0
	return func() task.Signal {
		o.Push(id)
		runs++
		if runs >= n {
			return task.Done
		}
		return task.Repeat
	}
}
