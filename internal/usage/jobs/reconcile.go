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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
	"linkmeter/internal/usage/telemetry"
)

// SyncStore is the durable side of the sync job.
type SyncStore interface {
	ListWorkspaces(ctx context.Context) ([]durable.Workspace, error)
	UpdateUsage(ctx context.Context, id string, u durable.Usage, syncedAt time.Time) error
}

// CounterReader is the read-only view of the counter store the sync job
// needs. The job never writes counters. Keys that do not exist are absent
// from the result.
type CounterReader interface {
	LookupMultiple(ctx context.Context, keys []counter.Key) (map[counter.Key]int64, error)
}

// SyncOptions extends Options with the durable write retry policy.
type SyncOptions struct {
	Options
	// MaxAttempts bounds durable writes per workspace per run.
	MaxAttempts int
	// RetryInterval is the first backoff delay.
	RetryInterval time.Duration
}

// SyncJob copies live counter values into the durable usage columns.
// Direction is one way: counter store to database. A counter that does not
// exist never overwrites the durable value (see Workspace.UsageWithoutCounter).
//
// clicks_current_period mirrors the calendar-month click counter. For a
// workspace whose billing cycle starts on another day, the reset job's zero
// only lasts until the next sync run.
type SyncJob struct {
	db       SyncStore
	counters CounterReader
	opts     SyncOptions
	log      *zap.Logger
}

// NewSyncJob returns a SyncJob.
func NewSyncJob(db SyncStore, counters CounterReader, opts SyncOptions) *SyncJob {
	opts.applyDefaults()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	return &SyncJob{db: db, counters: counters, opts: opts, log: opts.Logger.Named("sync")}
}

// Name implements Runner.
func (j *SyncJob) Name() string { return SyncJobName }

// Run implements Runner.
func (j *SyncJob) Run(ctx context.Context) Summary {
	start := j.opts.Clock.Now()
	now := start.UTC()
	s := Summary{RunID: uuid.NewString(), Job: SyncJobName, Timestamp: now}
	log := j.log.With(zap.String("run_id", s.RunID))

	workspaces, err := j.db.ListWorkspaces(ctx)
	if err != nil {
		log.Error("listing workspaces failed", zap.Error(err))
		s.Duration = j.opts.Clock.Since(start)
		telemetry.ObserveJob(s.Job, false, 0, 0, 0)
		return s
	}

	period := counter.PeriodOf(now)
	var c counts
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Concurrency)
	for i := range workspaces {
		w := &workspaces[i]
		id := w.ID
		g.Go(func() error {
			if err := j.syncOne(gctx, w, period, now); err != nil {
				c.errors.Add(1)
				log.Warn("sync failed", zap.String("workspace_id", id), zap.Error(err))
				return nil
			}
			c.processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.Success = true
	c.fill(&s)
	s.Duration = j.opts.Clock.Since(start)
	telemetry.ObserveJob(s.Job, s.Success, s.Processed, s.Skipped, s.Errors)
	log.Info("sync run finished", zap.Int("processed", s.Processed), zap.Int("errors", s.Errors))
	return s
}

func (j *SyncJob) syncOne(ctx context.Context, w *durable.Workspace, period string, now time.Time) error {
	id := w.ID
	keys := map[counter.Metric]counter.Key{
		counter.MetricLinks:   counter.LinksKey(id),
		counter.MetricClicks:  counter.ClicksKey(id, period),
		counter.MetricMembers: counter.MembersKey(id),
	}
	vals, err := j.counters.LookupMultiple(ctx, []counter.Key{
		keys[counter.MetricLinks], keys[counter.MetricClicks], keys[counter.MetricMembers],
	})
	if err != nil {
		// Unavailable: leave the durable row as it is until the next run.
		return err
	}
	value := func(m counter.Metric) int64 {
		if v, ok := vals[keys[m]]; ok {
			return v
		}
		return w.UsageWithoutCounter(m, period)
	}
	u := durable.Usage{
		Links:   value(counter.MetricLinks),
		Clicks:  value(counter.MetricClicks),
		Members: value(counter.MetricMembers),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(j.opts.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := j.db.UpdateUsage(ctx, id, u, now)
		if errors.Is(err, durable.ErrWorkspaceNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
