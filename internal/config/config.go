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

// Package config loads the service configuration from an optional file and
// LINKMETER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LINKMETER_REDIS_ADDR.
const EnvPrefix = "LINKMETER"

// Guard policies.
const (
	PolicyFailClosed      = "fail_closed"
	PolicyFallbackDurable = "fallback_durable"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Counter  CounterConfig
	Guard    GuardConfig
	Buffer   BufferConfig
	Jobs     JobsConfig
	Log      LogConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig holds counter backend connection settings
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DatabaseConfig holds durable store settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CounterConfig tunes the counter store client.
type CounterConfig struct {
	OpTimeout          time.Duration
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration
}

// GuardConfig selects how the limit guard behaves while the counter store is unreachable.
type GuardConfig struct {
	Policy string
}

// BufferConfig tunes the fire-and-forget click buffer.
type BufferConfig struct {
	CommitInterval   time.Duration
	CommitThreshold  int64
	CommitMaxAge     time.Duration
	EvictionAge      time.Duration
	EvictionInterval time.Duration
}

// JobsConfig holds reset and sync job schedules.
type JobsConfig struct {
	Enabled     bool
	ResetCron   string
	SyncCron    string
	Concurrency int
	SyncRetries int
	Timeout     time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load reads configuration. Priority (highest to lowest):
//  1. LINKMETER_* environment variables
//  2. the config file (path, or ./linkmeter.{yaml,toml,json} when path is empty)
//  3. built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("linkmeter")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/linkmeter")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Addr:         v.GetString("http.addr"),
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
		},
		Redis: RedisConfig{
			Addr:        v.GetString("redis.addr"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			DialTimeout: v.GetDuration("redis.dial_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Counter: CounterConfig{
			OpTimeout:          v.GetDuration("counter.op_timeout"),
			BreakerMaxFailures: v.GetUint32("counter.breaker_max_failures"),
			BreakerCooldown:    v.GetDuration("counter.breaker_cooldown"),
		},
		Guard: GuardConfig{
			Policy: v.GetString("guard.policy"),
		},
		Buffer: BufferConfig{
			CommitInterval:   v.GetDuration("buffer.commit_interval"),
			CommitThreshold:  v.GetInt64("buffer.commit_threshold"),
			CommitMaxAge:     v.GetDuration("buffer.commit_max_age"),
			EvictionAge:      v.GetDuration("buffer.eviction_age"),
			EvictionInterval: v.GetDuration("buffer.eviction_interval"),
		},
		Jobs: JobsConfig{
			Enabled:     v.GetBool("jobs.enabled"),
			ResetCron:   v.GetString("jobs.reset_cron"),
			SyncCron:    v.GetString("jobs.sync_cron"),
			Concurrency: v.GetInt("jobs.concurrency"),
			SyncRetries: v.GetInt("jobs.sync_retries"),
			Timeout:     v.GetDuration("jobs.timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "linkmeter")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 2*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres dbname=linkmeter sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("counter.op_timeout", 250*time.Millisecond)
	v.SetDefault("counter.breaker_max_failures", 5)
	v.SetDefault("counter.breaker_cooldown", 10*time.Second)

	v.SetDefault("guard.policy", PolicyFailClosed)

	v.SetDefault("buffer.commit_interval", time.Second)
	v.SetDefault("buffer.commit_threshold", 50)
	v.SetDefault("buffer.commit_max_age", 5*time.Second)
	v.SetDefault("buffer.eviction_age", time.Hour)
	v.SetDefault("buffer.eviction_interval", 10*time.Minute)

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.reset_cron", "5 0 * * *")
	v.SetDefault("jobs.sync_cron", "*/15 * * * *")
	v.SetDefault("jobs.concurrency", 8)
	v.SetDefault("jobs.sync_retries", 3)
	v.SetDefault("jobs.timeout", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Counter.OpTimeout <= 0 {
		errs = append(errs, errors.New("counter.op_timeout must be positive"))
	}
	switch c.Guard.Policy {
	case PolicyFailClosed, PolicyFallbackDurable:
	default:
		errs = append(errs, fmt.Errorf("guard.policy %q must be %s or %s", c.Guard.Policy, PolicyFailClosed, PolicyFallbackDurable))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Buffer.CommitInterval <= 0 {
		errs = append(errs, errors.New("buffer.commit_interval must be positive"))
	}
	if c.Buffer.EvictionInterval <= 0 {
		errs = append(errs, errors.New("buffer.eviction_interval must be positive"))
	}
	if c.Jobs.Enabled {
		if !gronx.IsValid(c.Jobs.ResetCron) {
			errs = append(errs, fmt.Errorf("invalid jobs.reset_cron expression: %q", c.Jobs.ResetCron))
		}
		if !gronx.IsValid(c.Jobs.SyncCron) {
			errs = append(errs, fmt.Errorf("invalid jobs.sync_cron expression: %q", c.Jobs.SyncCron))
		}
	}
	if c.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("jobs.concurrency must be positive"))
	}
	return errors.Join(errs...)
}
