// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package pq implements a binary heap priority queue parameterized over
// the element type and a comparator.
package pq

import (
	"container/heap"
)

// Queue is a min priority queue. The comparator returns a negative number
// when a has strictly higher priority than b, i.e. a leaves the queue first.
// Equal elements leave in heap order, not insertion order.
//
//                 Time Complexity      Space Complexity
//   New()              O(1)                 O(1)
//   Len()              O(1)                 O(1)
//   Push()             O(log(n))            O(1)
//   Pop()              O(log(n))            O(1)
//   Peek()             O(1)                 O(1)
//   RemoveIf()         O(n)                 O(1)
//
// Queue is not safe for concurrent use, callers serialize access.
type Queue[T any] struct {
	heap *itemHeap[T]
}

// New creates an empty queue ordered by cmp.
func New[T any](cmp func(a, b T) int) *Queue[T] {
	h := &itemHeap[T]{cmp: cmp}
	heap.Init(h) // O(1) due to empty queue
	return &Queue[T]{heap: h}
}

// Len of queue
func (q *Queue[T]) Len() int {
	return q.heap.Len()
}

// Empty reports whether the queue holds no element.
func (q *Queue[T]) Empty() bool {
	return q.heap.Len() == 0
}

// Push inserts v and sifts it up until its parent no longer compares
// greater.
func (q *Queue[T]) Push(v T) {
	heap.Push(q.heap, v) // O(log(n))
}

// Peek returns the top priority element without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.heap.Len() == 0 {
		return v, false
	}
	return q.heap.items[0], true
}

// Pop removes and returns the top priority element.
func (q *Queue[T]) Pop() (v T, ok bool) {
	if q.heap.Len() == 0 {
		return v, false
	}
	return heap.Pop(q.heap).(T), true // O(log(n))
}

// RemoveIf removes the first element, in heap order, for which match
// returns true. The hole is filled with the last element which is then
// moved up or down, whichever restores the heap property.
func (q *Queue[T]) RemoveIf(match func(T) bool) (v T, ok bool) {
	for i, item := range q.heap.items {
		if match(item) {
			return heap.Remove(q.heap, i).(T), true
		}
	}
	return v, false
}

// Drain removes every element and returns them in priority order.
func (q *Queue[T]) Drain() []T {
	out := make([]T, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(q.heap).(T))
	}
	return out
}
