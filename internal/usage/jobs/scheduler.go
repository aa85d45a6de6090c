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
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"linkmeter/internal/logger"
)

// retryDelay is how long a schedule waits after failing to compute its next tick.
const retryDelay = 30 * time.Second

type schedule struct {
	cron    string
	job     Runner
	timeout time.Duration
}

// Scheduler triggers Runners on cron expressions (UTC). Runs of the same
// job never overlap; different jobs run independently.
type Scheduler struct {
	clock     quartz.Clock
	log       *zap.Logger
	schedules []schedule

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	// OnRun, if set before Start, receives every finished run's summary.
	OnRun func(Summary)
}

// NewScheduler returns an idle Scheduler.
func NewScheduler(clock quartz.Clock, log *zap.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{clock: clock, log: logger.OrNop(log).Named("scheduler")}
}

// Add registers job on cronExpr. timeout bounds each run; zero means none.
func (s *Scheduler) Add(cronExpr string, job Runner, timeout time.Duration) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid cron expression %q for job %s", cronExpr, job.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.schedules = append(s.schedules, schedule{cron: cronExpr, job: job, timeout: timeout})
	return nil
}

// Start launches one goroutine per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, sc := range s.schedules {
		s.log.Info("job scheduled", zap.String("job", sc.job.Name()), zap.String("cron", sc.cron))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, sc)
		}()
	}
}

// Stop cancels in-flight runs and waits for the loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, sc schedule) {
	for {
		now := s.clock.Now().UTC()
		wait := retryDelay
		next, err := gronx.NextTickAfter(sc.cron, now, false)
		if err != nil {
			s.log.Error("computing next tick failed", zap.String("job", sc.job.Name()), zap.Error(err))
		} else {
			wait = next.Sub(now)
		}

		t := s.clock.NewTimer(wait, "scheduler", sc.job.Name())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err == nil {
			s.runOnce(ctx, sc)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sc schedule) {
	if sc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.timeout)
		defer cancel()
	}
	sum := sc.job.Run(ctx)
	if s.OnRun != nil {
		s.OnRun(sum)
	}
}
