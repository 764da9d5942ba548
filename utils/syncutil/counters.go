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

// Package syncutil provides small concurrency-safe primitives shared across
// the engine's components.
package syncutil

import "sync"

// Counters is a fixed-size slice of int counters guarded by a single mutex.
type Counters struct {
	mu sync.Mutex
	c  []int
}

// NewCounters creates n zero-valued counters.
func NewCounters(n int) *Counters {
	return &Counters{c: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.c)
}

// Get returns the current value of counter i.
func (c *Counters) Get(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.c[i]
}

// Set sets counter i to v.
func (c *Counters) Set(i int, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.c[i] = v
}

// Increment adds 1 to counter i.
func (c *Counters) Increment(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.c[i]++
}

// Decrement subtracts 1 from counter i.
func (c *Counters) Decrement(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.c[i]--
}
