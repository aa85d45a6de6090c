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

// Package main runs the workspace usage service.
//
// It wires the shared counter store (Redis), the durable workspace store
// (Postgres or SQLite), the limit guard, the click buffer and the scheduled
// reset and sync jobs behind one HTTP API, and shuts them down in order on
// SIGINT or SIGTERM so buffered clicks are flushed before exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"linkmeter/internal/config"
	"linkmeter/internal/logger"
	"linkmeter/internal/usage/api"
	"linkmeter/internal/usage/buffer"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
	"linkmeter/internal/usage/guard"
	"linkmeter/internal/usage/jobs"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (default: ./linkmeter.yaml if present)")
	migrate := flag.Bool("migrate", true, "Create or update the workspaces table at startup")
	flag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "usage-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}).
		With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()

	// 1. Stores.
	store, err := counter.Open(ctx, counter.Options{
		Addr:               cfg.Redis.Addr,
		Password:           cfg.Redis.Password,
		DB:                 cfg.Redis.DB,
		DialTimeout:        cfg.Redis.DialTimeout,
		OpTimeout:          cfg.Counter.OpTimeout,
		BreakerMaxFailures: cfg.Counter.BreakerMaxFailures,
		BreakerCooldown:    cfg.Counter.BreakerCooldown,
		Logger:             log,
		Clock:              clock,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	db, err := durable.Open(durable.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer durable.Close(db)
	if migrate {
		if err := durable.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	repo := durable.NewRepository(db)

	// 2. Limit guard.
	policy, err := guard.ParsePolicy(cfg.Guard.Policy)
	if err != nil {
		return err
	}
	limiter := guard.NewLimiter(guard.New(store, log), repo, policy, log)

	// 3. Click buffer and its flush worker.
	buf := buffer.New(clock)
	worker := buffer.NewWorker(buf, buffer.NewStorePersister(store), buffer.WorkerOptions{
		CommitThreshold:  cfg.Buffer.CommitThreshold,
		CommitInterval:   cfg.Buffer.CommitInterval,
		CommitMaxAge:     cfg.Buffer.CommitMaxAge,
		EvictionAge:      cfg.Buffer.EvictionAge,
		EvictionInterval: cfg.Buffer.EvictionInterval,
		Logger:           log,
	})
	worker.Start()

	// 4. Jobs.
	jobOpts := jobs.Options{Concurrency: cfg.Jobs.Concurrency, Clock: clock, Logger: log}
	resetJob := jobs.NewResetJob(repo, store, jobOpts)
	syncJob := jobs.NewSyncJob(repo, store, jobs.SyncOptions{Options: jobOpts, MaxAttempts: cfg.Jobs.SyncRetries})

	sched := jobs.NewScheduler(clock, log)
	if cfg.Jobs.Enabled {
		if err := sched.Add(cfg.Jobs.ResetCron, resetJob, cfg.Jobs.Timeout); err != nil {
			return err
		}
		if err := sched.Add(cfg.Jobs.SyncCron, syncJob, cfg.Jobs.Timeout); err != nil {
			return err
		}
		sched.Start(ctx)
	}

	// 5. HTTP API.
	server := api.NewServer(api.Deps{
		Limiter:    limiter,
		Counters:   store,
		Buffer:     buf,
		Workspaces: repo,
		ResetJob:   resetJob,
		SyncJob:    syncJob,
		Logger:     log,
	})
	httpServer := server.NewHTTPServer(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.IdleTimeout)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("usage API listening", zap.String("addr", cfg.HTTP.Addr), zap.Stringer("guard_policy", policy))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-serveErr:
		log.Error("http server failed", zap.Error(runErr))
	}

	// 6. Stop taking traffic, then stop jobs, then flush buffered clicks.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	worker.Stop()

	log.Info("stopped")
	return runErr
}
