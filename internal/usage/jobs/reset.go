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

package jobs

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
	"linkmeter/internal/usage/telemetry"
)

const (
	ResetJobName = "monthly_reset"
	SyncJobName  = "usage_sync"
)

// ResetStore is the durable side of the reset job.
type ResetStore interface {
	ListWorkspaces(ctx context.Context) ([]durable.Workspace, error)
	ResetPeriodClicks(ctx context.Context, id string, periodStart, now time.Time) (bool, error)
}

// CounterWriter re-seeds counters after a reset.
type CounterWriter interface {
	Set(ctx context.Context, key counter.Key, value int64, ttl time.Duration) error
}

// Options are shared by both jobs.
type Options struct {
	// Concurrency bounds how many workspaces are processed at once.
	Concurrency int
	Clock       quartz.Clock
	Logger      *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	o.Logger = logger.OrNop(o.Logger)
}

// ResetJob rolls workspaces into a new billing period. For each workspace
// whose last reset predates the start of its current period it zeroes the
// durable period clicks and forces the links and members counters back to
// the durable counts. Clicks counters need no reset: their key carries the
// calendar month and old keys expire on their own.
type ResetJob struct {
	db       ResetStore
	counters CounterWriter
	opts     Options
	log      *zap.Logger
}

// NewResetJob returns a ResetJob. counters may be nil to skip re-seeding.
func NewResetJob(db ResetStore, counters CounterWriter, opts Options) *ResetJob {
	opts.applyDefaults()
	return &ResetJob{db: db, counters: counters, opts: opts, log: opts.Logger.Named("reset")}
}

// Name implements Runner.
func (j *ResetJob) Name() string { return ResetJobName }

// Run implements Runner. Running it again within the same period is a no-op.
func (j *ResetJob) Run(ctx context.Context) Summary {
	start := j.opts.Clock.Now()
	now := start.UTC()
	s := Summary{RunID: uuid.NewString(), Job: ResetJobName, Timestamp: now}
	log := j.log.With(zap.String("run_id", s.RunID))

	workspaces, err := j.db.ListWorkspaces(ctx)
	if err != nil {
		log.Error("listing workspaces failed", zap.Error(err))
		s.Duration = j.opts.Clock.Since(start)
		telemetry.ObserveJob(s.Job, false, 0, 0, 0)
		return s
	}

	var c counts
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Concurrency)
	for i := range workspaces {
		w := &workspaces[i]
		g.Go(func() error {
			j.resetOne(gctx, log, w, now, &c)
			return nil
		})
	}
	_ = g.Wait()

	s.Success = true
	c.fill(&s)
	s.Duration = j.opts.Clock.Since(start)
	telemetry.ObserveJob(s.Job, s.Success, s.Processed, s.Skipped, s.Errors)
	log.Info("reset run finished",
		zap.Int("processed", s.Processed), zap.Int("skipped", s.Skipped), zap.Int("errors", s.Errors))
	return s
}

func (j *ResetJob) resetOne(ctx context.Context, log *zap.Logger, w *durable.Workspace, now time.Time, c *counts) {
	periodStart := w.PeriodStart(now)
	if w.LastResetAt != nil && !w.LastResetAt.Before(periodStart) {
		c.skipped.Add(1)
		return
	}

	changed, err := j.db.ResetPeriodClicks(ctx, w.ID, periodStart, now)
	if err != nil {
		c.errors.Add(1)
		log.Warn("reset failed", zap.String("workspace_id", w.ID), zap.Error(err))
		return
	}
	if !changed {
		// Another run got there first.
		c.skipped.Add(1)
		return
	}

	if j.counters != nil {
		if err := j.reseed(ctx, w); err != nil {
			c.errors.Add(1)
			log.Warn("counter re-seed failed after reset",
				zap.String("workspace_id", w.ID), zap.Error(err))
			return
		}
	}
	c.processed.Add(1)
	log.Debug("workspace reset",
		zap.String("workspace_id", w.ID), zap.Time("period_start", periodStart))
}

func (j *ResetJob) reseed(ctx context.Context, w *durable.Workspace) error {
	if err := j.counters.Set(ctx, counter.LinksKey(w.ID), w.LinksCount, 0); err != nil {
		return err
	}
	return j.counters.Set(ctx, counter.MembersKey(w.ID), w.MembersCount, 0)
}
