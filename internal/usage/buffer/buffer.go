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

// Package buffer absorbs high-frequency, fire-and-forget counter increments
// (link clicks) in memory and flushes them to the counter store in batches.
// Recording never blocks on the network; pending deltas are lost if the
// process dies before a flush, and the next sync run corrects durable usage.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/quartz"

	"linkmeter/internal/usage/counter"
	"linkmeter/pkg/tally"
)

// entry wraps a Tally with the bookkeeping the Worker needs.
//
// armed is a high/low watermark: a key commits as soon as it reaches the
// high threshold, then must fall back to the low watermark before it is
// eligible again. Only the Worker reads or writes it.
type entry struct {
	pending *tally.Tally
	// lastAccessed is UnixNano, updated on every Add.
	lastAccessed atomic.Int64
	armed        atomic.Bool
}

// Buffer holds pending deltas per counter key. It is safe for concurrent use.
type Buffer struct {
	entries sync.Map // counter.Key -> *entry
	size    atomic.Int64
	clock   quartz.Clock
}

// New returns an empty Buffer. A nil clock uses the real one.
func New(clock quartz.Clock) *Buffer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Buffer{clock: clock}
}

// Add records n units against key. n must be positive.
func (b *Buffer) Add(key counter.Key, n int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("add %d to %s: amount must be positive", n, key)
	}
	b.getOrCreate(key).pending.Add(n)
	return nil
}

// AddClicks records n clicks for a workspace in the current calendar month.
func (b *Buffer) AddClicks(workspaceID string, n int64) error {
	return b.Add(counter.ClicksKey(workspaceID, counter.PeriodOf(b.clock.Now())), n)
}

// Pending returns the unflushed delta for key.
func (b *Buffer) Pending(key counter.Key) int64 {
	if v, ok := b.entries.Load(key); ok {
		return v.(*entry).pending.Pending()
	}
	return 0
}

// Len returns the number of keys held.
func (b *Buffer) Len() int { return int(b.size.Load()) }

// getOrCreate avoids allocating when the key already exists.
func (b *Buffer) getOrCreate(key counter.Key) *entry {
	now := b.clock.Now().UnixNano()
	if v, ok := b.entries.Load(key); ok {
		e := v.(*entry)
		e.lastAccessed.Store(now)
		return e
	}

	e := &entry{pending: tally.New()}
	e.lastAccessed.Store(now)
	e.armed.Store(true)
	if v, loaded := b.entries.LoadOrStore(key, e); loaded {
		existing := v.(*entry)
		existing.lastAccessed.Store(now)
		return existing
	}
	b.size.Add(1)
	return e
}

func (b *Buffer) forEach(f func(key counter.Key, e *entry)) {
	b.entries.Range(func(k, v any) bool {
		f(k.(counter.Key), v.(*entry))
		return true
	})
}

func (b *Buffer) load(key counter.Key) (*entry, bool) {
	v, ok := b.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// delete drops key only if it still maps to e.
func (b *Buffer) delete(key counter.Key, e *entry) {
	if b.entries.CompareAndDelete(key, e) {
		b.size.Add(-1)
	}
}
