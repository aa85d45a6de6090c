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

package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/telemetry"
)

// WorkerOptions tunes the flush and eviction loops.
type WorkerOptions struct {
	// CommitThreshold is the high watermark: a key whose pending delta
	// reaches it is flushed on the next cycle.
	CommitThreshold int64
	// LowCommitThreshold re-arms a key once its pending delta is back at or
	// below it. Zero disables hysteresis.
	LowCommitThreshold int64
	// CommitInterval is how often keys are scanned.
	CommitInterval time.Duration
	// CommitMaxAge flushes a sub-threshold remainder once the key has been
	// idle this long. Zero disables it.
	CommitMaxAge time.Duration
	// EvictionAge drops keys idle longer than this; EvictionInterval is how
	// often to look.
	EvictionAge      time.Duration
	EvictionInterval time.Duration
	// FlushTimeout bounds each CommitBatch call.
	FlushTimeout time.Duration

	Logger *zap.Logger
}

func (o *WorkerOptions) applyDefaults() {
	if o.CommitThreshold <= 0 {
		o.CommitThreshold = 50
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = time.Second
	}
	if o.EvictionAge <= 0 {
		o.EvictionAge = time.Hour
	}
	if o.EvictionInterval <= 0 {
		o.EvictionInterval = 10 * time.Minute
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 2 * time.Second
	}
}

// Worker flushes a Buffer to a Persister and evicts idle keys.
type Worker struct {
	buf       *Buffer
	persister Persister
	opts      WorkerOptions
	log       *zap.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	stopped   atomic.Bool
	// flushMu serializes commit, eviction and final flush cycles so a
	// pending delta is read, persisted and settled by one cycle at a time.
	flushMu sync.Mutex
}

// NewWorker creates a worker; call Start to run it.
func NewWorker(buf *Buffer, persister Persister, opts WorkerOptions) *Worker {
	opts.applyDefaults()
	return &Worker{
		buf:       buf,
		persister: persister,
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named("buffer"),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the commit and eviction loops.
func (w *Worker) Start() {
	w.log.Info("starting buffer worker",
		zap.Duration("commit_interval", w.opts.CommitInterval),
		zap.Int64("commit_threshold", w.opts.CommitThreshold))
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.commitLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.evictionLoop()
	}()
}

// Stop ends both loops after a final flush of every non-zero delta. It is
// safe to call more than once.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	w.log.Info("stopping buffer worker")
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) commitLoop() {
	ticker := w.buf.clock.NewTicker(w.opts.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCommitCycle()
		case <-w.stopChan:
			w.runFinalFlush()
			return
		}
	}
}

type pendingCommit struct {
	e     *entry
	delta int64
}

// runCommitCycle flushes keys over the high watermark and idle remainders.
func (w *Worker) runCommitCycle() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	var commits []Commit
	var settle []pendingCommit

	now := w.buf.clock.Now()
	w.buf.forEach(func(key counter.Key, e *entry) {
		vec := e.pending.Pending()
		if vec < 0 {
			w.log.Error("negative pending delta left unflushed",
				zap.String("key", string(key)), zap.Int64("delta", vec))
			return
		}
		commitByThreshold := vec >= w.opts.CommitThreshold
		last := e.lastAccessed.Load()
		commitByMaxAge := w.opts.CommitMaxAge > 0 && vec > 0 && now.Sub(time.Unix(0, last)) >= w.opts.CommitMaxAge

		shouldCommit := false
		if commitByThreshold {
			if w.opts.LowCommitThreshold <= 0 || e.armed.Load() {
				shouldCommit = true
			}
		} else if w.opts.LowCommitThreshold > 0 && !e.armed.Load() && vec <= w.opts.LowCommitThreshold {
			e.armed.Store(true)
		}
		if commitByMaxAge {
			shouldCommit = true
		}

		if shouldCommit {
			commits = append(commits, Commit{Key: key, Delta: vec})
			settle = append(settle, pendingCommit{e: e, delta: vec})
			e.armed.Store(false)
		}
	})
	telemetry.SetBufferedKeys(w.buf.Len())

	w.flush(commits, settle, "commit")
}

// runFinalFlush commits every positive delta regardless of thresholds.
func (w *Worker) runFinalFlush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	var commits []Commit
	var settle []pendingCommit
	w.buf.forEach(func(key counter.Key, e *entry) {
		if vec := e.pending.Pending(); vec > 0 {
			commits = append(commits, Commit{Key: key, Delta: vec})
			settle = append(settle, pendingCommit{e: e, delta: vec})
		}
	})
	w.flush(commits, settle, "final")
}

func (w *Worker) flush(commits []Commit, settle []pendingCommit, kind string) bool {
	if len(commits) == 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.FlushTimeout)
	defer cancel()
	if err := w.persister.CommitBatch(ctx, commits); err != nil {
		telemetry.ObserveFlushError()
		w.log.Warn("flush failed; deltas stay pending",
			zap.String("kind", kind), zap.Int("keys", len(commits)), zap.Error(err))
		return false
	}
	for _, p := range settle {
		p.e.pending.Settle(p.delta)
	}
	telemetry.ObserveFlush(len(commits))
	return true
}

func (w *Worker) evictionLoop() {
	ticker := w.buf.clock.NewTicker(w.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runEvictionCycle()
		case <-w.stopChan:
			return
		}
	}
}

// runEvictionCycle removes keys idle longer than EvictionAge, flushing any
// remainder first. A key whose flush fails, or whose delta is negative, is
// kept.
func (w *Worker) runEvictionCycle() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	now := w.buf.clock.Now()
	stale := func(e *entry) bool {
		return now.Sub(time.Unix(0, e.lastAccessed.Load())) > w.opts.EvictionAge
	}

	var keys []counter.Key
	w.buf.forEach(func(key counter.Key, e *entry) {
		if stale(e) {
			keys = append(keys, key)
		}
	})
	if len(keys) == 0 {
		return
	}

	evicted := 0
	for _, key := range keys {
		e, ok := w.buf.load(key)
		if !ok || !stale(e) {
			continue
		}
		vec := e.pending.Pending()
		if vec < 0 {
			// Keep it in sight rather than drop it with the entry.
			continue
		}
		if vec > 0 {
			if !w.flush([]Commit{{Key: key, Delta: vec}}, []pendingCommit{{e: e, delta: vec}}, "evict") {
				continue
			}
		}
		w.buf.delete(key, e)
		// An Add that raced the delete landed on the dropped entry.
		if rem := e.pending.Pending(); rem != 0 {
			w.buf.getOrCreate(key).pending.Add(rem)
			e.pending.Settle(rem)
		}
		evicted++
	}
	if evicted > 0 {
		w.log.Debug("evicted idle keys", zap.Int("count", evicted))
	}
	telemetry.SetBufferedKeys(w.buf.Len())
}
