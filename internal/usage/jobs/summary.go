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

// Package jobs holds the scheduled maintenance procedures: the billing
// period reset and the counter-to-database sync. Each run covers every
// workspace, isolates per-workspace failures and reports a Summary.
package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Summary reports one job run.
type Summary struct {
	RunID string `json:"run_id"`
	Job   string `json:"job"`
	// Success is false only when the run could not start, e.g. listing
	// workspaces failed. Per-workspace failures are counted in Errors.
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"-"`
}

// MarshalJSON adds duration_ms.
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		DurationMS int64 `json:"duration_ms"`
	}{plain: plain(s), DurationMS: s.Duration.Milliseconds()})
}

// Runner is a job the Scheduler can trigger.
type Runner interface {
	Name() string
	Run(ctx context.Context) Summary
}

// counts tallies per-workspace outcomes from concurrent goroutines.
type counts struct {
	processed, skipped, errors atomic.Int64
}

func (t *counts) fill(s *Summary) {
	s.Processed = int(t.processed.Load())
	s.Skipped = int(t.skipped.Load())
	s.Errors = int(t.errors.Load())
}
