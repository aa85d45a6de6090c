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

// Command http-loadgen drives the usage API with concurrent check or click
// traffic and reports throughput and status-code counts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeCheck  modeType = "check"
	modeClicks modeType = "clicks"
)

type spreadType string

const (
	spreadSingle spreadType = "single"
	spreadZipf   spreadType = "zipf"
)

func main() {
	var (
		base      = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS     = flag.String("mode", string(modeCheck), "Traffic: check|clicks")
		spreadS   = flag.String("spread", string(spreadSingle), "Workspace spread: single|zipf")
		metric    = flag.String("metric", "links", "Metric for check mode")
		limit     = flag.Int64("limit", 0, "Explicit limit for check mode; 0 uses the workspace plan")
		workspace = flag.String("workspace", "ws-1", "Workspace for single spread")
		hotWS     = flag.String("hot_workspace", "ws-hot", "Hot workspace for zipf spread")
		coldN     = flag.Int("cold_workspaces", 50, "Number of cold workspaces in zipf spread")
		N         = flag.Int("n", 5000, "Total requests to send")
		conc      = flag.Int("c", 8, "Number of concurrent workers")
		// hotEvery=5 means 4/5 go to the hot workspace, 1/5 to a cold one.
		hotEvery   = flag.Int("hot_every", 5, "Zipf-like skew period (minimum 2)")
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeCheck && m != modeClicks {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want check|clicks)\n", *modeS)
		os.Exit(2)
	}
	sp := spreadType(strings.ToLower(*spreadS))
	if sp != spreadSingle && sp != spreadZipf {
		fmt.Fprintf(os.Stderr, "unknown -spread=%s (want single|zipf)\n", *spreadS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if sp == spreadZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_workspaces must be > 0 in zipf spread")
			os.Exit(2)
		}
		*hotEvery = max(*hotEvery, 2)
	}

	baseURL := strings.TrimRight(*base, "/")
	urlFor := func(ws string) string {
		if m == modeClicks {
			return fmt.Sprintf("%s/v1/workspaces/%s/clicks", baseURL, ws)
		}
		u := fmt.Sprintf("%s/v1/workspaces/%s/usage/%s/check", baseURL, ws, *metric)
		if *limit != 0 {
			u += fmt.Sprintf("?limit=%d", *limit)
		}
		return u
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        *maxIdlePer,
			MaxIdleConnsPerHost: *maxIdlePer,
			IdleConnTimeout:     *connIdle,
		},
		Timeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		statuses = map[int]int{}
		failed   atomic.Int64
	)

	worker := func(id, count int) {
		local := map[int]int{}
		defer func() {
			mu.Lock()
			for code, n := range local {
				statuses[code] += n
			}
			mu.Unlock()
		}()
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			ws := *workspace
			if sp == spreadZipf {
				if (i+id)%*hotEvery != 0 {
					ws = *hotWS
				} else {
					ws = fmt.Sprintf("ws-cold-%d", (i+id)%*coldN+1)
				}
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, urlFor(ws), nil)
			resp, err := client.Do(req)
			if err != nil {
				failed.Add(1)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			local[resp.StatusCode]++
		}
	}

	start := time.Now()
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := max(time.Since(start), time.Millisecond)

	codes := make([]int, 0, len(statuses))
	for c := range statuses {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	var parts []string
	for _, c := range codes {
		parts = append(parts, fmt.Sprintf("%d=%d", c, statuses[c]))
	}
	fmt.Printf("LoadGen: mode=%s spread=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s Status[%s] Errors=%d\n",
		m, sp, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond),
		float64(*N)/elapsed.Seconds(), strings.Join(parts, " "), failed.Load())
}
