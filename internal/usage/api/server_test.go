package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkmeter/internal/usage/buffer"
	"linkmeter/internal/usage/counter"
	"linkmeter/internal/usage/durable"
	"linkmeter/internal/usage/guard"
	"linkmeter/internal/usage/jobs"
)

var mar3 = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

type env struct {
	srv   *httptest.Server
	mr    *miniredis.Miniredis
	repo  *durable.Repository
	store *counter.Store
	buf   *buffer.Buffer
}

func newEnv(t *testing.T, policy guard.Policy) *env {
	t.Helper()
	db, err := durable.Open(durable.Options{
		Driver:       "sqlite",
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, durable.Migrate(db))
	t.Cleanup(func() { _ = durable.Close(db) })
	repo := durable.NewRepository(db)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	clk := quartz.NewMock(t)
	clk.Set(mar3)
	store := counter.NewStore(client, counter.Options{BreakerMaxFailures: 1000, Clock: clk})

	buf := buffer.New(clk)
	s := NewServer(Deps{
		Limiter:    guard.NewLimiter(guard.New(store, nil), repo, policy, nil),
		Counters:   store,
		Buffer:     buf,
		Workspaces: repo,
		ResetJob:   jobs.NewResetJob(repo, store, jobs.Options{Clock: clk}),
		SyncJob:    jobs.NewSyncJob(repo, store, jobs.SyncOptions{Options: jobs.Options{Clock: clk}}),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, mr: mr, repo: repo, store: store, buf: buf}
}

func (e *env) do(t *testing.T, method, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func (e *env) addWorkspace(t *testing.T, w *durable.Workspace) {
	t.Helper()
	require.NoError(t, e.repo.CreateWorkspace(context.Background(), w))
}

// TestCheck_LimitFromPlan walks a free workspace (25 links) up to its limit.
func TestCheck_LimitFromPlan(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	e.addWorkspace(t, durable.NewWorkspace("ws", "free", 1))
	require.NoError(t, e.mr.Set(string(counter.LinksKey("ws")), "24"))

	resp, body := e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/check")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(25), body["current"])
	assert.Equal(t, "0", resp.Header.Get("X-Usage-Remaining"))

	resp, body = e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/check")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])
	assert.Contains(t, body["message"], "upgrade your plan")
	assert.Empty(t, resp.Header.Get("X-Usage-Degraded"))
}

func TestCheck_ExplicitLimit(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	for i := 1; i <= 3; i++ {
		resp, _ := e.do(t, http.MethodPost, "/v1/workspaces/any/usage/members/check?limit=3")
		require.Equal(t, http.StatusOK, resp.StatusCode, "call %d", i)
	}
	resp, body := e.do(t, http.MethodPost, "/v1/workspaces/any/usage/members/check?limit=3")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, float64(3), body["current"])

	resp, _ = e.do(t, http.MethodPost, "/v1/workspaces/any/usage/members/check?limit=-1&amount=10")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheck_BadInput(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	cases := []string{
		"/v1/workspaces/ws/usage/views/check?limit=1",
		"/v1/workspaces/ws/usage/links/check?limit=1&amount=0",
		"/v1/workspaces/ws/usage/links/check?limit=abc",
		"/v1/workspaces/ws/usage/links/check?limit=-5",
		"/v1/workspaces/a:b/usage/links/check?limit=1",
	}
	for _, p := range cases {
		resp, _ := e.do(t, http.MethodPost, p)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, p)
	}

	resp, _ := e.do(t, http.MethodPost, "/v1/workspaces/missing/usage/links/check")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheck_FailClosedWhenCounterStoreDown(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	e.addWorkspace(t, durable.NewWorkspace("ws", "free", 1))
	e.mr.SetError("LOADING")

	resp, body := e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/check")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Usage-Degraded"))
	assert.Equal(t, true, body["degraded"])
}

func TestCheck_FallbackToDurableWhenCounterStoreDown(t *testing.T) {
	e := newEnv(t, guard.FallbackToDurable)
	w := durable.NewWorkspace("ws", "free", 1)
	w.LinksCount = 3
	e.addWorkspace(t, w)
	e.mr.SetError("LOADING")

	resp, body := e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/check")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Usage-Degraded"))
	assert.Equal(t, float64(4), body["current"])
}

func TestRelease(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	require.NoError(t, e.mr.Set(string(counter.LinksKey("ws")), "2"))

	resp, _ := e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/release")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	v, err := e.mr.Get(string(counter.LinksKey("ws")))
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, e.mr.Set(string(counter.MembersKey("ws")), "oops"))
	resp, _ = e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/members/release")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	e.mr.SetError("LOADING")
	resp, _ = e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/release")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestCheck_RebuildsLostCounterFromDurable checks a workspace at its link
// limit stays at it after the counter store lost the key.
func TestCheck_RebuildsLostCounterFromDurable(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	w := durable.NewWorkspace("ws", "free", 1)
	w.LinksCount = 25
	e.addWorkspace(t, w)

	resp, body := e.do(t, http.MethodPost, "/v1/workspaces/ws/usage/links/check")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, float64(25), body["current"])
	assert.Empty(t, resp.Header.Get("X-Usage-Degraded"))
}

func TestClicks_AreBuffered(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	resp, _ := e.do(t, http.MethodPost, "/v1/workspaces/ws/clicks?amount=3")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(3), e.buf.Pending(counter.ClicksKey("ws", "2026-03")))
	assert.False(t, e.mr.Exists(string(counter.ClicksKey("ws", "2026-03"))))

	resp, _ = e.do(t, http.MethodPost, "/v1/workspaces/ws/clicks?amount=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsage_LiveAndDurableFallback(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	w := durable.NewWorkspace("ws", "pro", 1)
	w.LinksCount = 1
	w.ClicksCurrentPeriod = 2
	w.MembersCount = 3
	e.addWorkspace(t, w)
	require.NoError(t, e.mr.Set(string(counter.LinksKey("ws")), "10"))
	require.NoError(t, e.mr.Set(string(counter.ClicksKey("ws", "2026-03")), "20"))

	resp, body := e.do(t, http.MethodGet, "/v1/workspaces/ws/usage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "counter", body["source"])
	assert.Equal(t, "2026-03", body["period"])
	metrics := body["metrics"].(map[string]any)
	assert.Equal(t, float64(10), metrics["links"].(map[string]any)["used"])
	assert.Equal(t, float64(20), metrics["clicks"].(map[string]any)["used"])
	// No members counter yet: the durable count is reported.
	assert.Equal(t, float64(3), metrics["members"].(map[string]any)["used"])
	assert.Equal(t, float64(1000), metrics["links"].(map[string]any)["limit"])

	e.mr.SetError("LOADING")
	resp, body = e.do(t, http.MethodGet, "/v1/workspaces/ws/usage")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "durable", body["source"])
	metrics = body["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["links"].(map[string]any)["used"])
	assert.Equal(t, float64(3), metrics["members"].(map[string]any)["used"])
}

func TestJobs_Trigger(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	e.addWorkspace(t, durable.NewWorkspace("ws", "free", 1))
	require.NoError(t, e.mr.Set(string(counter.LinksKey("ws")), "5"))

	resp, body := e.do(t, http.MethodPost, "/v1/jobs/sync")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobs.SyncJobName, body["job"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["processed"])
	assert.Contains(t, body, "duration_ms")
	assert.Contains(t, body, "timestamp")

	resp, body = e.do(t, http.MethodPost, "/v1/jobs/reset")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobs.ResetJobName, body["job"])

	resp, _ = e.do(t, http.MethodPost, "/v1/jobs/vacuum")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, guard.FailClosed)
	resp, body := e.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	r, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
}
