// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"time"

	"github.com/changkun/watchdog/internal/pq"
	"github.com/changkun/watchdog/task"
)

// taskQueue is a locked priority queue of tasks ordered by due time.
//
//                   Time Complexity      Space Complexity
//   push()             O(log(n))            O(1)
//   popDue()           O(log(n))            O(1)
//   peek()             O(1)                 O(1)
//   remove()           O(n)                 O(1)
//   drain()            O(n log(n))          O(n)
type taskQueue struct {
	heap *pq.Queue[*task.Task]
	mu   sync.Mutex
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		heap: pq.New(func(a, b *task.Task) int {
			return a.Next().Compare(b.Next())
		}),
	}
}

func (q *taskQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *taskQueue) push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap.Push(t)
}

// peek the top priority task without deletion
func (q *taskQueue) peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.heap.Peek()
	if !ok {
		return nil
	}
	return t
}

// popDue pops the top priority task if it is due at now.
func (q *taskQueue) popDue(now time.Time) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.heap.Peek()
	if !ok || t.Next().After(now) {
		return nil
	}
	t, _ = q.heap.Pop()
	return t
}

func (q *taskQueue) remove(id task.ID) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.heap.RemoveIf(func(t *task.Task) bool { return t.ID() == id })
	if !ok {
		return nil
	}
	return t
}

func (q *taskQueue) drain() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Drain()
}
