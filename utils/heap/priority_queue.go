// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package heap provides a minimal, non-concurrent-safe priority queue built
// on container/heap.
package heap

import (
	"container/heap"
	"errors"
)

// Item is a single entry in a PriorityQueue.
type Item struct {
	Value    interface{}
	Priority int
}

// innerHeap implements container/heap.Interface as a min-heap on Priority.
type innerHeap []*Item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *innerHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue pops its lowest-Priority Item first.
type PriorityQueue struct {
	h innerHeap
}

// NewPriorityQueue creates a PriorityQueue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	h := make(innerHeap, len(items))
	copy(h, items)
	heap.Init(&h)
	return &PriorityQueue{h: h}
}

// Push adds item to the queue.
func (q *PriorityQueue) Push(item *Item) {
	heap.Push(&q.h, item)
}

// Pop removes and returns the lowest-Priority Item. Returns an error if the
// queue is empty.
func (q *PriorityQueue) Pop() (*Item, error) {
	if q.h.Len() == 0 {
		return nil, errors.New("priority queue is empty")
	}
	return heap.Pop(&q.h).(*Item), nil
}

// Len returns the number of items in the queue.
func (q *PriorityQueue) Len() int {
	return q.h.Len()
}
