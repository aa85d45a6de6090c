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

// Package counter implements the shared workspace usage counter store.
//
// All application instances talk to the same Redis; every operation carries
// its own short timeout and runs behind a circuit breaker. Backend failures
// never panic: they come back as errors matching ErrUnavailable, and callers
// fall back to the durable store or deny the action.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/telemetry"
)

var (
	// ErrUnavailable means the backend could not be reached in time. Treat it
	// as "fall back to the durable store", never as a fatal error.
	ErrUnavailable = errors.New("counter store unavailable")
	// ErrInvalidKey is a programmer error: the key is not of the form
	// workspace:{id}:{metric}[:{YYYY-MM}].
	ErrInvalidKey = errors.New("invalid counter key")
	// ErrCorruptValue means Redis answered but the key holds something that is
	// not a counter. It does not count against the circuit breaker.
	ErrCorruptValue = errors.New("corrupt counter value")
)

const (
	defaultOpTimeout       = 250 * time.Millisecond
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 10 * time.Second
)

// Options configures a Store.
type Options struct {
	// Addr, Password and DB are only used by Open.
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration

	// OpTimeout bounds every single backend call.
	OpTimeout time.Duration
	// BreakerMaxFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration

	Logger *zap.Logger
	Clock  quartz.Clock
}

// Store is the counter store. It is safe for concurrent use.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	opTimeout  time.Duration
	breaker    *gobreaker.CircuitBreaker[any]
	log        *zap.Logger
	clock      quartz.Clock
}

// Open dials Redis at opts.Addr. An unreachable backend is not fatal: the
// store comes up degraded and recovers once Redis answers.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("counter: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	s := NewStore(client, opts)
	s.ownsClient = true

	pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout*4)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.log.Warn("counter store not reachable at startup; running degraded",
			zap.String("addr", opts.Addr), zap.Error(err))
	}
	return s, nil
}

// NewStore wraps an existing client. Close will not close a client passed in here.
func NewStore(client redis.UniversalClient, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	log := logger.OrNop(opts.Logger).Named("counter")

	maxFailures := opts.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "counter-store",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up, or a bad value under one key, is not
			// evidence that Redis is down.
			return err == nil || errors.Is(err, context.Canceled) || isDataError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	return &Store{
		client:    client,
		opTimeout: opts.OpTimeout,
		breaker:   cb,
		log:       log,
		clock:     opts.Clock,
	}
}

// Close releases the underlying client if the store opened it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Do runs fn against the backend with the per-operation timeout, the circuit
// breaker and latency metrics applied. Errors caused by the stored data are
// reported as ErrCorruptValue; any other error fn returns is reported as
// ErrUnavailable. fn must map "key missing" to a value itself.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context, c redis.UniversalClient) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn(ctx, s.client)
	})
	dataErr := err != nil && isDataError(err)
	telemetry.ObserveStoreOp(op, time.Since(start), err != nil && !dataErr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCorruptValue):
		s.log.Error("counter holds a non-integer value", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	case dataErr:
		s.log.Error("counter holds a non-integer value", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrCorruptValue, op, err)
	}
	s.log.Warn("counter store call failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// isDataError reports errors caused by what is stored under a key rather
// than by the backend.
func isDataError(err error) bool {
	if errors.Is(err, ErrCorruptValue) {
		return true
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		return strings.HasPrefix(msg, "WRONGTYPE") || strings.Contains(msg, "not an integer")
	}
	return false
}

// Increment adds amount (values < 1 count as 1) and returns the new value.
// Monthly keys get a TTL running to the end of the current month when they
// are created.
func (s *Store) Increment(ctx context.Context, key Key, amount int64) (int64, error) {
	kp, err := key.Parts()
	if err != nil {
		return 0, err
	}
	if amount < 1 {
		amount = 1
	}
	var v int64
	err = s.Do(ctx, "incr", func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		if kp.Metric.Monthly() {
			v, err = incrWithExpiryScript.Run(ctx, c, []string{string(key)}, amount, s.MonthlyTTLSeconds()).Int64()
		} else {
			v, err = c.IncrBy(ctx, string(key), amount).Result()
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Decrement subtracts amount (values < 1 count as 1), clamping at zero.
func (s *Store) Decrement(ctx context.Context, key Key, amount int64) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if amount < 1 {
		amount = 1
	}
	var v int64
	err := s.Do(ctx, "decr", func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		v, err = clampedDecrScript.Run(ctx, c, []string{string(key)}, amount).Int64()
		return err
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Get returns the value of key; a key that was never set reads as 0.
func (s *Store) Get(ctx context.Context, key Key) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	var v int64
	err := s.Do(ctx, "get", func(ctx context.Context, c redis.UniversalClient) error {
		raw, err := c.Get(ctx, string(key)).Result()
		if errors.Is(err, redis.Nil) {
			v = 0
			return nil
		}
		if err != nil {
			return err
		}
		v, err = parseValue(raw)
		return err
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Set overwrites key with value (negative values are stored as 0). ttl <= 0
// stores the key without expiry.
func (s *Store) Set(ctx context.Context, key Key, value int64, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if value < 0 {
		value = 0
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.Do(ctx, "set", func(ctx context.Context, c redis.UniversalClient) error {
		return c.Set(ctx, string(key), value, ttl).Err()
	})
}

// GetMultiple reads all keys in one round trip. Missing keys map to 0. On
// ErrUnavailable the returned map is nil.
func (s *Store) GetMultiple(ctx context.Context, keys []Key) (map[Key]int64, error) {
	out, err := s.LookupMultiple(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			out[k] = 0
		}
	}
	return out, nil
}

// LookupMultiple is GetMultiple without the zero fill: keys that do not
// exist are absent from the result.
func (s *Store) LookupMultiple(ctx context.Context, keys []Key) (map[Key]int64, error) {
	out := make(map[Key]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		raw[i] = string(k)
	}
	err := s.Do(ctx, "mget", func(ctx context.Context, c redis.UniversalClient) error {
		vals, err := c.MGet(ctx, raw...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			n, err := parseValue(str)
			if err != nil {
				return err
			}
			out[keys[i]] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetIfAbsent stores value under key unless the key already exists and
// reports whether it wrote. Monthly keys get the month-end expiry.
func (s *Store) SetIfAbsent(ctx context.Context, key Key, value int64) (bool, error) {
	kp, err := key.Parts()
	if err != nil {
		return false, err
	}
	if value < 0 {
		value = 0
	}
	var ttl time.Duration
	if kp.Metric.Monthly() {
		ttl = s.MonthlyTTL()
	}
	var written bool
	err = s.Do(ctx, "setnx", func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		written, err = c.SetNX(ctx, string(key), value, ttl).Result()
		return err
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// SetMonthlyExpiry makes key expire at the last second of the current
// calendar month (UTC). A missing key is left alone and is not an error.
func (s *Store) SetMonthlyExpiry(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ttl := s.MonthlyTTL()
	return s.Do(ctx, "expire", func(ctx context.Context, c redis.UniversalClient) error {
		return c.Expire(ctx, string(key), ttl).Err()
	})
}

// MonthlyTTL is the time left until 23:59:59 UTC on the last day of the
// current month, in whole seconds and never less than one second.
func (s *Store) MonthlyTTL() time.Duration {
	return time.Duration(secondsUntilMonthEnd(s.clock.Now())) * time.Second
}

// MonthlyTTLSeconds is MonthlyTTL as a script argument.
func (s *Store) MonthlyTTLSeconds() int64 { return secondsUntilMonthEnd(s.clock.Now()) }

func secondsUntilMonthEnd(now time.Time) int64 {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	secs := int64(end.Sub(now) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func parseValue(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrCorruptValue, raw, err)
	}
	if v < 0 {
		v = 0
	}
	return v, nil
}

// IncrementBatch applies deltas in one MULTI/EXEC round trip, with the same
// expiry rule as Increment. Either all deltas are applied or none are. A
// delta below 1 rejects the whole batch.
func (s *Store) IncrementBatch(ctx context.Context, deltas map[Key]int64) error {
	type op struct {
		key     Key
		amount  int64
		monthly bool
	}
	ops := make([]op, 0, len(deltas))
	for k, n := range deltas {
		kp, err := k.Parts()
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("increment %s by %d: delta must be positive", k, n)
		}
		ops = append(ops, op{key: k, amount: n, monthly: kp.Metric.Monthly()})
	}
	if len(ops) == 0 {
		return nil
	}
	ttl := s.MonthlyTTLSeconds()
	return s.Do(ctx, "incr_batch", func(ctx context.Context, c redis.UniversalClient) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, o := range ops {
				if o.monthly {
					incrWithExpiryScript.Eval(ctx, pipe, []string{string(o.key)}, o.amount, ttl)
				} else {
					pipe.IncrBy(ctx, string(o.key), o.amount)
				}
			}
			return nil
		})
		return err
	})
}
