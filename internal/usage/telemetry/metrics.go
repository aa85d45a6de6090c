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

// Package telemetry holds the Prometheus metrics of the usage counter service.
// Labels are bounded (operation, outcome, metric, job); workspace ids are never
// used as labels.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Guard outcomes.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeDegraded    = "degraded"
)

var (
	guardDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkmeter_guard_decisions_total",
		Help: "Check-and-increment decisions by metric and outcome",
	}, []string{"metric", "outcome"})

	storeUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkmeter_store_unavailable_total",
		Help: "Counter store operations that degraded to unavailable",
	}, []string{"op"})

	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkmeter_store_op_seconds",
		Help:    "Latency of counter store operations",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"op"})

	flushRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkmeter_buffer_flushed_rows_total",
		Help: "Total keys written across all click buffer flushes",
	})
	rowsPerFlush = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkmeter_buffer_rows_per_flush",
		Help:    "Distribution of keys per click buffer flush",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	flushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkmeter_buffer_flush_errors_total",
		Help: "Total click buffer flushes that failed and kept their pending deltas",
	})
	bufferedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkmeter_buffer_keys",
		Help: "Number of keys currently held by the click buffer",
	})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkmeter_job_runs_total",
		Help: "Scheduled job invocations by job and result",
	}, []string{"job", "result"})
	jobWorkspaces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkmeter_job_workspaces_total",
		Help: "Workspaces handled by scheduled jobs by job and outcome",
	}, []string{"job", "outcome"})
)

func init() {
	prometheus.MustRegister(guardDecisions, storeUnavailable, storeLatency,
		flushRowsTotal, rowsPerFlush, flushErrorsTotal, bufferedKeys,
		jobRuns, jobWorkspaces)
}

// ObserveGuard records one guard decision.
func ObserveGuard(metric, outcome string) {
	guardDecisions.WithLabelValues(metric, outcome).Inc()
}

// ObserveStoreOp records the latency of a counter store call and whether it degraded.
func ObserveStoreOp(op string, d time.Duration, unavailable bool) {
	storeLatency.WithLabelValues(op).Observe(d.Seconds())
	if unavailable {
		storeUnavailable.WithLabelValues(op).Inc()
	}
}

// ObserveFlush should be called once per successful buffer flush with its size.
func ObserveFlush(rows int) {
	if rows <= 0 {
		return
	}
	rowsPerFlush.Observe(float64(rows))
	flushRowsTotal.Add(float64(rows))
}

// ObserveFlushError counts a failed buffer flush.
func ObserveFlushError() { flushErrorsTotal.Inc() }

// SetBufferedKeys publishes the current click buffer size.
func SetBufferedKeys(n int) { bufferedKeys.Set(float64(n)) }

// ObserveJob records the outcome of one scheduled job run.
func ObserveJob(job string, success bool, processed, skipped, errs int) {
	result := "success"
	if !success {
		result = "failure"
	}
	jobRuns.WithLabelValues(job, result).Inc()
	jobWorkspaces.WithLabelValues(job, "processed").Add(float64(processed))
	jobWorkspaces.WithLabelValues(job, "skipped").Add(float64(skipped))
	jobWorkspaces.WithLabelValues(job, "error").Add(float64(errs))
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
