// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

/*
Package sched implements a time ordered task scheduler.

Introduction

A Scheduler keeps its tasks in a priority queue ordered by the next time
each task is due. Run blocks the calling goroutine, waits for the earliest
task, executes it, and applies the signal the task returned:

	task.Repeat  reschedule one interval after the previous due time
	task.Done    destroy the task, keep running
	task.Stop    destroy the task, stop the scheduler
	task.Fatal   destroy the task, stop the scheduler, Run returns an error

Usage

	s := sched.New()

	id, err := s.Add(2*time.Second, func() task.Signal {
		// periodic work
		return task.Repeat
	}, nil)

	go s.Run()
	...
	s.Remove(id)
	s.Stop()
	s.Clear()

Stop is cooperative: a task that is executing always finishes, Run
returns before the next task starts.
*/
package sched
