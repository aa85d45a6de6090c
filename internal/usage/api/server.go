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

// Package api exposes the usage counters over HTTP: limit checks for
// quota-consuming actions, buffered click recording, usage reads and
// on-demand job triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"linkmeter/internal/logger"
	"linkmeter/internal/usage/buffer"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
	"linkmeter/internal/usage/guard"
	"linkmeter/internal/usage/jobs"
	"linkmeter/internal/usage/telemetry"
)

// WorkspaceReader loads workspace rows for limits and durable fallback reads.
type WorkspaceReader interface {
	GetWorkspace(ctx context.Context, id string) (*durable.Workspace, error)
}

// CounterReader reads live counters. Keys that do not exist are absent from
// the LookupMultiple result.
type CounterReader interface {
	LookupMultiple(ctx context.Context, keys []counter.Key) (map[counter.Key]int64, error)
	Now() time.Time
}

// Deps are the collaborators a Server needs. ResetJob and SyncJob may be nil,
// which disables their trigger endpoints.
type Deps struct {
	Limiter    *guard.Limiter
	Counters   CounterReader
	Buffer     *buffer.Buffer
	Workspaces WorkspaceReader
	ResetJob   jobs.Runner
	SyncJob    jobs.Runner
	Logger     *zap.Logger
}

// Server handles the HTTP requests for the usage service.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, log: logger.OrNop(deps.Logger).Named("api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	s.RegisterRoutes(r)
	return s.logRequests(r)
}

// RegisterRoutes sets up the HTTP routes on r.
func (s *Server) RegisterRoutes(r *httprouter.Router) {
	r.POST("/v1/workspaces/:id/usage/:metric/check", s.handleCheck)
	r.POST("/v1/workspaces/:id/usage/:metric/release", s.handleRelease)
	r.POST("/v1/workspaces/:id/clicks", s.handleClicks)
	r.GET("/v1/workspaces/:id/usage", s.handleUsage)
	r.POST("/v1/jobs/:job", s.handleJob)
	r.GET("/healthz", s.handleHealth)
	r.Handler(http.MethodGet, "/metrics", telemetry.Handler())
}

// NewHTTPServer wraps the handler in an http.Server with the given timeouts.
func (s *Server) NewHTTPServer(addr string, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}

type checkResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Metric      string `json:"metric"`
	Allowed     bool   `json:"allowed"`
	Current     int64  `json:"current"`
	Limit       int64  `json:"limit"`
	Remaining   int64  `json:"remaining"`
	Degraded    bool   `json:"degraded,omitempty"`
	Message     string `json:"message,omitempty"`
}

// handleCheck reserves usage before a quota-consuming action. Unavailability
// of the counter store is never a 5xx: the limiter's policy decides.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	m, err := counter.ParseMetric(ps.ByName("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := queryInt(r, "amount", 1)
	if err != nil || amount < 1 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	var limit int64
	if r.URL.Query().Has("limit") {
		limit, err = queryInt(r, "limit", 0)
		if err != nil || limit < guard.Unlimited {
			writeError(w, http.StatusBadRequest, "limit must be -1 or a non-negative integer")
			return
		}
	} else {
		ws, ok := s.loadWorkspace(w, r, id)
		if !ok {
			return
		}
		limit = ws.Limit(m)
	}

	d, err := s.deps.Limiter.Check(r.Context(), id, m, limit, amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := checkResponse{
		WorkspaceID: id,
		Metric:      string(m),
		Allowed:     d.Allowed,
		Current:     d.Current,
		Limit:       d.Limit,
		Remaining:   d.Remaining,
		Degraded:    d.Degraded,
	}
	w.Header().Set("X-Usage-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-Usage-Remaining", strconv.FormatInt(d.Remaining, 10))
	if d.Degraded {
		w.Header().Set("X-Usage-Degraded", "true")
	}
	if !d.Allowed {
		if d.Degraded {
			resp.Message = "usage could not be verified; try again shortly"
			w.Header().Set("Retry-After", "5")
		} else {
			resp.Message = fmt.Sprintf("%s limit of %d reached; upgrade your plan to continue", m, d.Limit)
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	m, err := counter.ParseMetric(ps.ByName("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := queryInt(r, "amount", 1)
	if err != nil || amount < 1 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	_, err = s.deps.Limiter.Release(r.Context(), ps.ByName("id"), m, amount)
	switch {
	case errors.Is(err, counter.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, counter.ErrCorruptValue):
		writeError(w, http.StatusInternalServerError, "counter holds a corrupt value")
	case err != nil:
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "counter store unavailable")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleClicks records clicks without waiting on the counter store.
func (s *Server) handleClicks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	amount, err := queryInt(r, "amount", 1)
	if err != nil || amount < 1 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	if err := s.deps.Buffer.AddClicks(ps.ByName("id"), amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type metricUsage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

type usageResponse struct {
	WorkspaceID string                 `json:"workspace_id"`
	Plan        string                 `json:"plan"`
	Period      string                 `json:"period"`
	Source      string                 `json:"source"`
	Metrics     map[string]metricUsage `json:"metrics"`
}

// handleUsage reports live usage, or the last synced durable usage when the
// counter store is down.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	ws, ok := s.loadWorkspace(w, r, id)
	if !ok {
		return
	}
	period := counter.PeriodOf(s.deps.Counters.Now())
	resp := usageResponse{
		WorkspaceID: id,
		Plan:        ws.Plan,
		Period:      period,
		Source:      "counter",
		Metrics:     make(map[string]metricUsage, len(counter.Metrics)),
	}

	keys := make([]counter.Key, len(counter.Metrics))
	for i, m := range counter.Metrics {
		keys[i] = counter.KeyFor(id, m, s.deps.Counters.Now())
	}
	vals, err := s.deps.Counters.LookupMultiple(r.Context(), keys)
	switch {
	case errors.Is(err, counter.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		resp.Source = "durable"
		w.Header().Set("X-Usage-Degraded", "true")
	}
	for i, m := range counter.Metrics {
		used := ws.Usage(m)
		if err == nil {
			v, ok := vals[keys[i]]
			if !ok {
				v = ws.UsageWithoutCounter(m, period)
			}
			used = v
		}
		resp.Metrics[string(m)] = metricUsage{Used: used, Limit: ws.Limit(m)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var job jobs.Runner
	switch ps.ByName("job") {
	case "reset":
		job = s.deps.ResetJob
	case "sync":
		job = s.deps.SyncJob
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	sum := job.Run(r.Context())
	status := http.StatusOK
	if !sum.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loadWorkspace(w http.ResponseWriter, r *http.Request, id string) (*durable.Workspace, bool) {
	ws, err := s.deps.Workspaces.GetWorkspace(r.Context(), id)
	switch {
	case errors.Is(err, durable.ErrWorkspaceNotFound):
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil, false
	case err != nil:
		s.log.Warn("loading workspace failed", zap.String("workspace_id", id), zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "workspace store unavailable")
		return nil, false
	}
	return ws, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("latency", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
