package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelwatch/internal/metrics"
	"github.com/loykin/tunnelwatch/internal/watcher"
)

type staticSource struct{ st watcher.Status }

func (s staticSource) Status() watcher.Status { return s.st }

func setupRouter(t *testing.T, base string, st watcher.Status, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(staticSource{st: st}, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusIncludesChildSample(t *testing.T) {
	notified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := watcher.Status{
		State:             "monitoring",
		URL:               "https://abc-1.trycloudflare.com",
		PID:               4242,
		Restarts:          1,
		NotificationsSent: 1,
		LastNotifiedAt:    &notified,
	}
	sampler := func(pid int) (metrics.ProcessSample, error) {
		return metrics.ProcessSample{PID: int32(pid), MemoryRSS: 1 << 20, NumThreads: 7}, nil
	}
	h := setupRouter(t, "/tw", st, WithSampler(sampler))

	rec := doReq(t, h, http.MethodGet, "/tw/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "monitoring", body["state"])
	assert.Equal(t, "https://abc-1.trycloudflare.com", body["url"])
	assert.Equal(t, float64(4242), body["pid"])
	assert.Equal(t, float64(1), body["restarts"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["last_notified_at"])
	child, ok := body["child"].(map[string]any)
	require.True(t, ok, "child sample present")
	assert.Equal(t, float64(7), child["num_threads"])
}

func TestStatusWithoutChild(t *testing.T) {
	sampled := false
	sampler := func(int) (metrics.ProcessSample, error) {
		sampled = true
		return metrics.ProcessSample{}, nil
	}
	h := setupRouter(t, "", watcher.Status{State: "retrying"}, WithSampler(sampler))
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"child"`)
	assert.False(t, sampled, "no pid, no sample")

	failing := func(int) (metrics.ProcessSample, error) { return metrics.ProcessSample{}, errors.New("gone") }
	h = setupRouter(t, "", watcher.Status{State: "monitoring", PID: 99}, WithSampler(failing))
	rec = doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"child"`)
}

func TestHealthz(t *testing.T) {
	cases := map[string]int{
		"monitoring": http.StatusOK,
		"retrying":   http.StatusOK,
		"shutdown":   http.StatusOK,
		"failed":     http.StatusServiceUnavailable,
	}
	for state, code := range cases {
		h := setupRouter(t, "", watcher.Status{State: state})
		rec := doReq(t, h, http.MethodGet, "/healthz")
		assert.Equal(t, code, rec.Code, state)
		assert.Contains(t, rec.Body.String(), `"state":"`+state+`"`)
	}
}

func TestNoSourceIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(nil, "").Handler()
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/healthz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	h := setupRouter(t, "/tw", watcher.Status{State: "monitoring"}, WithGatherer(reg))
	rec := doReq(t, h, http.MethodGet, "/tw/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_test_total 3")
}

func TestUnknownRoute(t *testing.T) {
	h := setupRouter(t, "/tw", watcher.Status{})
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/tw/status").Code)
}

func TestNewServerServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, err := NewServer("127.0.0.1:0", "", staticSource{st: watcher.Status{State: "monitoring"}})
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), `"ok":true`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = NewServer("256.0.0.1:bad", "", nil)
	assert.Error(t, err)
}
