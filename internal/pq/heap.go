// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package pq

// itemHeap implements heap.Interface over a growable slice, ordered by
// a caller supplied comparator.
type itemHeap[T any] struct {
	items []T
	cmp   func(a, b T) int
}

func (h *itemHeap[T]) Len() int {
	return len(h.items)
}

func (h *itemHeap[T]) Less(i, j int) bool {
	return h.cmp(h.items[i], h.items[j]) < 0
}

func (h *itemHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *itemHeap[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *itemHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero // allow GC
	h.items = old[0 : n-1]
	return item
}
