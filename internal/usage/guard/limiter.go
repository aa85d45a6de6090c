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

package guard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/telemetry"
)

// Policy decides what a Limiter does when the counter store is unavailable.
type Policy int

const (
	// FailClosed denies the action.
	FailClosed Policy = iota
	// FallbackToDurable admits the action if the durable usage count leaves
	// room for it. The counter is not touched; the next sync corrects it.
	FallbackToDurable
)

func (p Policy) String() string {
	switch p {
	case FailClosed:
		return "fail_closed"
	case FallbackToDurable:
		return "fallback_durable"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a config value to a Policy. Empty means FailClosed.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail_closed":
		return FailClosed, nil
	case "fallback_durable":
		return FallbackToDurable, nil
	}
	return FailClosed, fmt.Errorf("unknown guard policy %q", s)
}

// UsageSource reports the last persisted usage of a workspace.
type UsageSource interface {
	UsageCount(ctx context.Context, workspaceID string, m counter.Metric) (int64, error)
	// SeedCount is the value a missing links or members counter is rebuilt
	// from. Workspaces without a durable row start at zero.
	SeedCount(ctx context.Context, workspaceID string, m counter.Metric) (int64, error)
}

// Decision is the outcome of Limiter.Check.
type Decision struct {
	Allowed bool
	Current int64
	Limit   int64
	// Remaining is -1 for unlimited metrics.
	Remaining int64
	// Degraded is set when the counter store could not be consulted.
	Degraded bool
}

// Limiter checks workspace usage against plan limits.
type Limiter struct {
	guard  *Guard
	source UsageSource
	policy Policy
	log    *zap.Logger
}

// NewLimiter returns a Limiter. source may be nil, in which case
// FallbackToDurable behaves like FailClosed and missing counters start at
// zero.
func NewLimiter(g *Guard, source UsageSource, policy Policy, log *zap.Logger) *Limiter {
	return &Limiter{
		guard:  g,
		source: source,
		policy: policy,
		log:    logger.OrNop(log).Named("limiter"),
	}
}

// Policy returns the limiter's unavailability policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Check reserves amount of metric m for a workspace. The only error is
// counter.ErrInvalidKey; everything else is expressed in the Decision.
func (l *Limiter) Check(ctx context.Context, workspaceID string, m counter.Metric, limit, amount int64) (Decision, error) {
	key, err := l.keyFor(workspaceID, m)
	if err != nil {
		return Decision{Limit: limit}, err
	}
	if amount < 1 {
		amount = 1
	}

	res, err := l.admit(ctx, workspaceID, m, key, limit, amount)
	switch {
	case err == nil:
		return decision(res.Success, res.Current, limit, false), nil
	case errors.Is(err, counter.ErrInvalidKey):
		return Decision{Limit: limit}, err
	}

	if l.policy != FallbackToDurable || l.source == nil {
		return decision(false, 0, limit, true), nil
	}
	count, serr := l.source.UsageCount(ctx, workspaceID, m)
	if serr != nil {
		l.log.Warn("durable fallback failed; denying",
			zap.String("workspace_id", workspaceID), zap.String("metric", string(m)), zap.Error(serr))
		return decision(false, 0, limit, true), nil
	}
	allowed := limit < 0 || count+amount <= limit
	telemetry.ObserveGuard(string(m), telemetry.OutcomeDegraded)
	l.log.Info("admission decided from durable usage",
		zap.String("workspace_id", workspaceID), zap.String("metric", string(m)),
		zap.Int64("durable_count", count), zap.Bool("allowed", allowed))
	if allowed {
		count += amount
	}
	return decision(allowed, count, limit, true), nil
}

// admit runs the guard. A links or members counter missing from the counter
// store (new workspace, lost Redis data) is first rebuilt from durable usage
// so the limit is not counted from zero. Click counters start empty every
// period and are never seeded.
func (l *Limiter) admit(ctx context.Context, workspaceID string, m counter.Metric, key counter.Key, limit, amount int64) (Result, error) {
	if m.Monthly() || l.source == nil {
		return l.guard.CheckAndIncrementErr(ctx, key, limit, amount)
	}
	res, err := l.guard.CheckExisting(ctx, key, limit, amount)
	if err != nil || !res.Missing {
		return res, err
	}

	seed, err := l.source.SeedCount(ctx, workspaceID, m)
	if err != nil {
		l.log.Warn("cannot rebuild missing counter from durable usage",
			zap.String("key", string(key)), zap.Error(err))
		return Result{}, fmt.Errorf("seed %s: %w", key, err)
	}
	written, err := l.guard.Seed(ctx, key, seed)
	if err != nil {
		return Result{}, err
	}
	if written {
		l.log.Info("counter rebuilt from durable usage",
			zap.String("key", string(key)), zap.Int64("value", seed))
	}
	return l.guard.CheckAndIncrementErr(ctx, key, limit, amount)
}

// Release gives back amount of metric m for a workspace.
func (l *Limiter) Release(ctx context.Context, workspaceID string, m counter.Metric, amount int64) (int64, error) {
	key, err := l.keyFor(workspaceID, m)
	if err != nil {
		return 0, err
	}
	return l.guard.Release(ctx, key, amount)
}

func (l *Limiter) keyFor(workspaceID string, m counter.Metric) (counter.Key, error) {
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown metric %q", counter.ErrInvalidKey, m)
	}
	var period string
	if m.Monthly() {
		period = counter.PeriodOf(l.guard.Store().Now())
	}
	return counter.NewKey(workspaceID, m, period)
}

func decision(allowed bool, current, limit int64, degraded bool) Decision {
	d := Decision{Allowed: allowed, Current: current, Limit: limit, Degraded: degraded, Remaining: -1}
	if limit >= 0 {
		d.Remaining = max(limit-current, 0)
	}
	return d
}
