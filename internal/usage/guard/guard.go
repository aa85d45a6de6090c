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

// Package guard enforces plan limits on the shared counters. The check and
// the increment happen in one Redis script, so concurrent requests from any
// number of instances can never push a counter past its limit.
package guard

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/telemetry"
)

// Unlimited disables the limit check for a metric.
const Unlimited int64 = -1

// checkAndIncrScript admits KEYS[1] += ARGV[1] only if the result stays at
// or below ARGV[2]; a negative ARGV[2] admits everything. ARGV[3] > 0 sets an
// expiry on a key that has none. With ARGV[4] == '1' a missing key is not
// created. Returns {1, new} when admitted, {0, current} when refused and
// {-1, 0} for a missing key left alone.
var checkAndIncrScript = redis.NewScript(`
if ARGV[4] == '1' and redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if not cur then
  return redis.error_reply('ERR value is not an integer')
end
local amt = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and cur + amt > limit then
  return {0, cur}
end
local v = redis.call('INCRBY', KEYS[1], amt)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('TTL', KEYS[1]) == -1 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, v}
`)

// Result is the outcome of CheckAndIncrement. Current is the counter value
// after the call; it is 0 when the backend could not be asked.
type Result struct {
	Success bool
	Current int64
	// Missing is only set by CheckExisting: the key did not exist and
	// nothing was changed.
	Missing bool
}

// Guard performs atomic check-and-increment against a counter.Store.
type Guard struct {
	store *counter.Store
	log   *zap.Logger
}

// New returns a Guard backed by store.
func New(store *counter.Store, log *zap.Logger) *Guard {
	return &Guard{store: store, log: logger.OrNop(log).Named("guard")}
}

// Store returns the underlying counter store.
func (g *Guard) Store() *counter.Store { return g.store }

// CheckAndIncrement increments key by amount if that keeps it within limit.
// It fails closed: an unreachable backend or a bad key yields {false, 0}.
func (g *Guard) CheckAndIncrement(ctx context.Context, key counter.Key, limit, amount int64) Result {
	res, err := g.CheckAndIncrementErr(ctx, key, limit, amount)
	if errors.Is(err, counter.ErrInvalidKey) {
		g.log.Error("check with invalid key", zap.String("key", string(key)), zap.Error(err))
	}
	return res
}

// CheckAndIncrementErr is CheckAndIncrement that also reports why a request
// was not evaluated: counter.ErrInvalidKey, counter.ErrUnavailable or
// counter.ErrCorruptValue. A limit rejection is not an error.
func (g *Guard) CheckAndIncrementErr(ctx context.Context, key counter.Key, limit, amount int64) (Result, error) {
	return g.check(ctx, key, limit, amount, false)
}

// CheckExisting is CheckAndIncrementErr for a key that must already exist.
// A missing key yields Result{Missing: true} and is not created, so the
// caller can seed it with Seed and check again.
func (g *Guard) CheckExisting(ctx context.Context, key counter.Key, limit, amount int64) (Result, error) {
	return g.check(ctx, key, limit, amount, true)
}

// Seed sets key to value unless another writer created it first.
func (g *Guard) Seed(ctx context.Context, key counter.Key, value int64) (bool, error) {
	return g.store.SetIfAbsent(ctx, key, value)
}

func (g *Guard) check(ctx context.Context, key counter.Key, limit, amount int64, mustExist bool) (Result, error) {
	kp, err := key.Parts()
	if err != nil {
		return Result{}, err
	}
	metric := string(kp.Metric)
	if amount < 1 {
		amount = 1
	}
	if limit < 0 {
		limit = Unlimited
	}

	var ttl int64
	if kp.Metric.Monthly() {
		ttl = g.store.MonthlyTTLSeconds()
	}
	existFlag := "0"
	if mustExist {
		existFlag = "1"
	}
	var out []int64
	err = g.store.Do(ctx, "check_incr", func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		out, err = checkAndIncrScript.Run(ctx, c, []string{string(key)}, amount, limit, ttl, existFlag).Int64Slice()
		return err
	})
	if err != nil {
		telemetry.ObserveGuard(metric, telemetry.OutcomeUnavailable)
		return Result{}, err
	}
	if len(out) != 2 {
		telemetry.ObserveGuard(metric, telemetry.OutcomeUnavailable)
		return Result{}, counter.ErrUnavailable
	}
	if out[0] == -1 {
		return Result{Missing: true}, nil
	}

	res := Result{Success: out[0] == 1, Current: out[1]}
	if res.Success {
		telemetry.ObserveGuard(metric, telemetry.OutcomeAdmitted)
	} else {
		telemetry.ObserveGuard(metric, telemetry.OutcomeRejected)
	}
	return res, nil
}

// Release gives back amount previously admitted on key, for callers whose
// downstream action failed. The counter never drops below zero.
func (g *Guard) Release(ctx context.Context, key counter.Key, amount int64) (int64, error) {
	return g.store.Decrement(ctx, key, amount)
}
