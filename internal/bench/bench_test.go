package bench

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-instancectl/instancectl/internal/metrics"
)

// fakeEndpoint serves /v1/models and /v1/completions
type fakeEndpoint struct {
	mu          sync.Mutex
	requests    []completionRequest
	inFlight    atomic.Int32
	peak        atomic.Int32
	failEvery   int
	tokens      int
	omitUsage   bool
	models      []string
	authHeaders []string
}

func (f *fakeEndpoint) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]string, 0, len(f.models))
		for _, m := range f.models {
			data = append(data, map[string]string{"id": m})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		n := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			old := f.peak.Load()
			if n <= old || f.peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)

		body, _ := io.ReadAll(r.Body)
		var req completionRequest
		_ = json.Unmarshal(body, &req)

		f.mu.Lock()
		f.requests = append(f.requests, req)
		count := len(f.requests)
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		f.mu.Unlock()

		if f.failEvery > 0 && count%f.failEvery == 0 {
			http.Error(w, "out of memory", http.StatusServiceUnavailable)
			return
		}

		resp := map[string]any{
			"choices": []map[string]any{{"text": "Arr, I be a pirate", "finish_reason": "length"}},
		}
		if !f.omitUsage {
			resp["usage"] = map[string]int{"prompt_tokens": 12, "completion_tokens": f.tokens}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// stepClock advances one second per call
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_Run(t *testing.T) {
	fake := &fakeEndpoint{tokens: 10, models: []string{"llama-3-8b"}}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	var seen []int
	runner, err := NewRunner(Config{
		Endpoint:   server.URL + "/",
		APIKey:     "secret",
		BatchSizes: []int{1, 4},
		Rounds:     3,
	}, WithLogger(quietLogger()), WithTimeFunc(stepClock()), WithBatchCallback(func(b BatchResult) {
		seen = append(seen, b.BatchSize)
	}))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "llama-3-8b", report.Model, "model discovered from /v1/models")
	assert.Equal(t, server.URL, report.Endpoint)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Batches, 2)
	assert.Equal(t, []int{1, 4}, seen)

	one := report.Batches[0]
	assert.Equal(t, 3, one.Requests)
	assert.Equal(t, 30, one.CompletionTokens)
	assert.Equal(t, time.Second, one.Duration)
	assert.InDelta(t, 30.0, one.TokensPerSecond, 0.001)

	four := report.Batches[1]
	assert.Equal(t, 12, four.Requests)
	assert.Zero(t, four.FailedRequests)
	assert.Equal(t, 120, four.CompletionTokens)
	assert.Equal(t, "Batch size 4, got 120 tokens in 1.00 seconds, 120.00 tokens per second.", four.Summary())

	assert.LessOrEqual(t, fake.peak.Load(), int32(4))
	require.Len(t, fake.requests, 15)
	assert.Equal(t, DefaultMaxTokens, fake.requests[0].MaxTokens)
	assert.Equal(t, DefaultPrompt, fake.requests[0].Prompt)
	assert.Equal(t, "llama-3-8b", fake.requests[0].Model)
	assert.Equal(t, "Bearer secret", fake.authHeaders[0])

	assert.InDelta(t, 120.0, testutil.ToFloat64(metrics.BenchTokensPerSecond.WithLabelValues("llama-3-8b", "4")), 0.001)
}

func TestRunner_FailedRequestsCounted(t *testing.T) {
	fake := &fakeEndpoint{tokens: 5, failEvery: 2}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	runner, err := NewRunner(Config{
		Endpoint:   server.URL,
		Model:      "mistral-7b",
		BatchSizes: []int{2},
		Rounds:     2,
	}, WithLogger(quietLogger()), WithTimeFunc(stepClock()))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)

	b := report.Batches[0]
	assert.Equal(t, 4, b.Requests)
	assert.Equal(t, 2, b.FailedRequests)
	assert.Equal(t, 10, b.CompletionTokens)
	require.Len(t, b.Errors, 2)
	assert.Contains(t, b.Errors[0], "status 503")
}

func TestRunner_WarmupAndWordCountFallback(t *testing.T) {
	fake := &fakeEndpoint{omitUsage: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	runner, err := NewRunner(Config{
		Endpoint:   server.URL,
		Model:      "m",
		BatchSizes: []int{1},
		Rounds:     1,
		Warmup:     2,
	}, WithLogger(quietLogger()), WithTimeFunc(stepClock()))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, fake.requests, 3, "warmup requests are sent but not measured")
	assert.Equal(t, 1, report.Batches[0].Requests)
	assert.Equal(t, 5, report.Batches[0].CompletionTokens)
}

func TestRunner_NoModels(t *testing.T) {
	fake := &fakeEndpoint{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	runner, err := NewRunner(Config{Endpoint: server.URL}, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestRunner_ContextCanceled(t *testing.T) {
	fake := &fakeEndpoint{tokens: 1}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runner, err := NewRunner(Config{
		Endpoint:   server.URL,
		Model:      "m",
		BatchSizes: []int{1, 2},
		Rounds:     1,
	}, WithLogger(quietLogger()), WithBatchCallback(func(BatchResult) { cancel() }))
	require.NoError(t, err)

	report, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Batches, 1)
}

func TestNewRunner_Defaults(t *testing.T) {
	runner, err := NewRunner(Config{Endpoint: "http://localhost:8000"})
	require.NoError(t, err)

	cfg := runner.Config()
	assert.Equal(t, DefaultBatchSizes, cfg.BatchSizes)
	assert.Equal(t, DefaultRounds, cfg.Rounds)
	assert.Equal(t, DefaultMaxTokens, cfg.MaxTokens)
	assert.Equal(t, DefaultTemperature, cfg.Temperature)
	assert.Equal(t, DefaultTopP, cfg.TopP)
}

func TestNewRunner_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing endpoint", Config{}},
		{"bad endpoint", Config{Endpoint: "localhost"}},
		{"zero batch size", Config{Endpoint: "http://localhost:8000", BatchSizes: []int{1, 0}}},
		{"negative rounds", Config{Endpoint: "http://localhost:8000", Rounds: -1}},
		{"top p out of range", Config{Endpoint: "http://localhost:8000", TopP: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "invalid benchmark config"))
		})
	}
}
