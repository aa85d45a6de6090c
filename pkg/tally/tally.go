// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package tally provides a thread-safe, in-memory accumulator for counter
// deltas that are recorded on a hot path and periodically settled into a
// shared store. Recording is a single lock-free atomic add.
package tally

import (
	"runtime"
	"sync/atomic"
)

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
const padSize = 128 - 8

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Tally accumulates pending deltas for a single counter.
//
// Pending = sum(stripes) - settled. Settle never touches the stripes, so Add
// stays lock-free while a flush is in flight.
type Tally struct {
	settled atomic.Int64

	stripes []stripe
	mask    int

	chooser atomic.Uint64
}

// New creates an empty Tally sized for the current GOMAXPROCS.
func New() *Tally {
	// STRIPES = next_pow2(2×GOMAXPROCS), capped to [8, 128]
	p := runtime.GOMAXPROCS(0)
	s := nextPow2(max(8, min(128, 2*p)))
	return &Tally{stripes: make([]stripe, s), mask: s - 1}
}

// Add records n units. Negative values are allowed and reduce the pending delta.
func (t *Tally) Add(n int64) {
	if n == 0 {
		return
	}
	idx := int(t.chooser.Add(1)) & t.mask
	t.stripes[idx].val.Add(n)
}

// Pending returns the delta recorded but not yet settled.
func (t *Tally) Pending() int64 {
	return t.Total() - t.settled.Load()
}

// Total returns everything ever recorded, settled or not.
func (t *Tally) Total() int64 {
	var sum int64
	for i := range t.stripes {
		sum += t.stripes[i].val.Load()
	}
	return sum
}

// Settle marks n units as durably applied. Call it only after the store
// acknowledged the write of exactly n.
func (t *Tally) Settle(n int64) {
	if n == 0 {
		return
	}
	t.settled.Add(n)
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	if intSize() == 64 {
		x |= x >> 32
	}
	return x + 1
}

func intSize() int { return 32 << (^uint(0) >> 63) }
