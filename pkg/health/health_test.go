package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func pass(context.Context) error { return nil }

func fail(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, handler http.HandlerFunc) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		runs   int
		status int
		failed map[string]string
	}{
		{
			name:   "NoChecks",
			status: http.StatusOK,
		},
		{
			name:   "AllPassing",
			checks: map[string]CheckFunc{"a": pass, "b": pass},
			runs:   3,
			status: http.StatusOK,
		},
		{
			name:   "BelowThreshold",
			checks: map[string]CheckFunc{"db": fail("connection refused")},
			runs:   2,
			status: http.StatusOK,
		},
		{
			name:   "AtThreshold",
			checks: map[string]CheckFunc{"db": fail("connection refused"), "ok": pass},
			runs:   3,
			status: http.StatusServiceUnavailable,
			failed: map[string]string{"db": "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, check := range tt.checks {
				h.AddLivenessCheck(name, time.Second, check)
			}
			for _, p := range h.probes {
				runN(p, tt.runs)
			}

			code, body := serve(t, h.LiveEndpoint)
			assert.Equal(t, tt.status, code)
			if tt.failed == nil {
				assert.Equal(t, "ok", body.Status)
				assert.Empty(t, body.Checks)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			assert.Equal(t, tt.failed, body.Checks)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("NotReady", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("postgres", time.Second, pass)

		code, body := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, body.Checks, "_readiness")
	})
	t.Run("Ready", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("postgres", time.Second, pass)
		h.SetReady(true)

		code, body := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", body.Status)
	})
	t.Run("OneFailing", func(t *testing.T) {
		h := New()
		h.AddReadinessCheck("postgres", time.Second, pass)
		h.AddReadinessCheck("redis", time.Second, fail("i/o timeout"))
		h.AddLivenessCheck("goroutines", time.Second, fail("too many"))
		h.SetReady(true)
		for _, p := range h.probes {
			runN(p, 3)
		}

		code, body := serve(t, h.ReadyEndpoint)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, map[string]string{"redis": "i/o timeout"}, body.Checks)
		assert.False(t, h.IsReady())
	})
}

func TestIsReady(t *testing.T) {
	h := New()
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestProbe_Thresholds(t *testing.T) {
	down := true
	h := New()
	h.AddReadinessCheck("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	p := h.probes[0]

	assert.NoError(t, p.lastError())

	runN(p, 1)
	assert.True(t, p.healthy.Load())
	runN(p, 1)
	assert.False(t, p.healthy.Load())
	assert.EqualError(t, p.lastError(), "down")

	down = false
	runN(p, 1)
	assert.False(t, p.healthy.Load())
	runN(p, 1)
	assert.True(t, p.healthy.Load())
}

func TestStartStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("failing", time.Second, fail("err"))
	h.AddReadinessCheck("passing", time.Second, pass)
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(h.failures(Liveness)) == 1
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, GoroutineCountCheck(100000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")

	assert.NoError(t, PingCheck(pingerFunc(pass))(ctx))
	assert.ErrorContains(t, PingCheck(pingerFunc(fail("refused")))(ctx), "ping: refused")
}
