package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

// fakeProvider implements provider.Provider with scripted behaviour
type fakeProvider struct {
	mu        sync.Mutex
	instances []provider.Instance

	listCalls   int
	startCalls  []string
	stopCalls   []string
	listErrs    []error // consumed one per ListInstances call
	transitErrs []error // consumed one per Start/Stop call

	// onList runs before each list returns, with the 1-based call number
	onList func(f *fakeProvider, call int)
	// settle applies a successful transition so the next list observes it
	settle bool
}

func newFakeProvider(instances ...provider.Instance) *fakeProvider {
	return &fakeProvider{instances: instances}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.onList != nil {
		f.onList(f, f.listCalls)
	}

	out := make([]provider.Instance, len(f.instances))
	copy(out, f.instances)
	return out, nil
}

func (f *fakeProvider) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*provider.Instance, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) StartInstance(ctx context.Context, id string) error {
	return f.transition(id, provider.StatusRunning, &f.startCalls)
}

func (f *fakeProvider) StopInstance(ctx context.Context, id string) error {
	return f.transition(id, provider.StatusStopped, &f.stopCalls)
}

func (f *fakeProvider) transition(id string, to provider.Status, calls *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	*calls = append(*calls, id)
	if len(f.transitErrs) > 0 {
		err := f.transitErrs[0]
		f.transitErrs = f.transitErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.settle {
		f.setStatusLocked(id, to)
	}
	return nil
}

func (f *fakeProvider) setStatusLocked(id string, status provider.Status) {
	for i := range f.instances {
		if f.instances[i].ID == id {
			f.instances[i].Status = status
		}
	}
}

func (f *fakeProvider) counts() (lists, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, len(f.startCalls), len(f.stopCalls)
}

// sleepRecorder counts waits without blocking
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return ctx.Err()
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func conflictErr() error {
	return provider.NewProviderError("fake", "StartInstance", http.StatusConflict, "already transitioning", provider.ErrTransitionPending)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestPoller(p provider.Provider, sleeper *sleepRecorder, opts ...Option) *Poller {
	base := []Option{
		WithLogger(quietLogger()),
		WithMaxAttempts(10),
		WithInterval(10 * time.Second),
		WithSleepFunc(sleeper.sleep),
	}
	return New(p, append(base, opts...)...)
}

func TestPollUntil_ConvergesAfterK(t *testing.T) {
	const k = 3
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.onList = func(f *fakeProvider, call int) {
		if call > k {
			f.setStatusLocked("i-1", provider.StatusRunning)
		}
	}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.True(t, result.Converged())
	assert.False(t, result.AlreadyConverged)
	assert.Equal(t, k+1, result.Attempts)
	assert.Equal(t, k, result.Transitions)
	assert.Equal(t, "i-1", result.InstanceID)

	lists, starts, stops := fp.counts()
	assert.Equal(t, k+1, lists)
	assert.LessOrEqual(t, starts, k)
	assert.Equal(t, k, starts)
	assert.Zero(t, stops)
	assert.Equal(t, k, sleeper.count())
	for _, d := range sleeper.calls {
		assert.Equal(t, 10*time.Second, d)
	}
}

func TestPollUntil_AlreadyConverged(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusRunning})
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.True(t, result.AlreadyConverged)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, result.Transitions)

	lists, starts, stops := fp.counts()
	assert.Equal(t, 1, lists)
	assert.Zero(t, starts+stops)
	assert.Zero(t, sleeper.count())
}

func TestPollUntil_BoundedAttempts(t *testing.T) {
	const maxAttempts = 5
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "mark-a100", Status: provider.StatusRunning})
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper, WithMaxAttempts(maxAttempts)).Stop(context.Background(), "mark-a100")

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, OutcomeExhausted, result.Outcome)
	assert.False(t, result.Converged())
	assert.Equal(t, maxAttempts, result.Attempts)

	var te *ConvergenceTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "mark-a100", te.Name)
	assert.Equal(t, provider.StatusStopped, te.Target)
	assert.Equal(t, maxAttempts, te.Attempts)
	assert.Equal(t, provider.StatusRunning, te.LastStatus)

	lists, starts, stops := fp.counts()
	assert.Equal(t, maxAttempts, lists)
	assert.Zero(t, starts)
	assert.Equal(t, maxAttempts, stops)
	assert.Equal(t, maxAttempts-1, sleeper.count(), "no wait after the final attempt")
}

func TestPollUntil_SingleAttemptBudget(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "mark-a100", Status: provider.StatusStopped})
	sleeper := &sleepRecorder{}

	_, err := newTestPoller(fp, sleeper, WithMaxAttempts(1)).Start(context.Background(), "mark-a100")

	assert.True(t, IsExhausted(err))
	lists, starts, _ := fp.counts()
	assert.Equal(t, 1, lists)
	assert.Equal(t, 1, starts)
	assert.Zero(t, sleeper.count())
}

func TestPollUntil_TransientErrorsTolerated(t *testing.T) {
	const j = 2
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "lena-a100", Status: provider.StatusStopped})
	fp.settle = true
	fp.transitErrs = []error{conflictErr(), conflictErr()}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper, WithMaxAttempts(6)).Start(context.Background(), "lena-a100")

	require.NoError(t, err)
	assert.True(t, result.Converged())
	assert.Equal(t, j, result.TransientErrors)
	assert.Equal(t, j+1, result.Transitions)
	assert.Equal(t, j+2, result.Attempts)
}

func TestPollUntil_TransientErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"conflict", conflictErr()},
		{"rate limit", provider.NewProviderError("fake", "StartInstance", http.StatusTooManyRequests, "", provider.ErrProviderRateLimit)},
		{"server error", provider.NewProviderError("fake", "StartInstance", http.StatusServiceUnavailable, "", provider.ErrProviderError)},
		{"client timeout", clientTimeoutErr(http.MethodPut, "/instances/i-1/start")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "lena-a100", Status: provider.StatusStopped})
			fp.settle = true
			fp.transitErrs = []error{tt.err}

			result, err := newTestPoller(fp, &sleepRecorder{}).Start(context.Background(), "lena-a100")

			require.NoError(t, err)
			assert.Equal(t, 1, result.TransientErrors)
		})
	}
}

func TestPollUntil_FatalTransitionError(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "lena-a100", Status: provider.StatusStopped})
	fp.transitErrs = []error{provider.NewProviderError("fake", "StartInstance", http.StatusForbidden, "no quota", provider.ErrProviderAuth)}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "lena-a100")

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProviderAuth)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, sleeper.count())
}

func TestPollUntil_ResourceNotFound(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "jaime-a100")

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, provider.ErrInstanceNotFound)
	assert.Contains(t, err.Error(), `"jaime-a100"`)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	lists, starts, stops := fp.counts()
	assert.Equal(t, 1, lists)
	assert.Zero(t, starts+stops, "no transition before resolution succeeds")
	assert.Zero(t, sleeper.count())
}

func TestPollUntil_ResourceDisappears(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.onList = func(f *fakeProvider, call int) {
		if call == 2 {
			f.instances = nil
		}
	}

	_, err := newTestPoller(fp, &sleepRecorder{}).Start(context.Background(), "james-a100")

	assert.True(t, IsNotFound(err))
	_, starts, _ := fp.counts()
	assert.Equal(t, 1, starts)
}

func TestPollUntil_FreshReadEachAttempt(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.onList = func(f *fakeProvider, call int) {
		switch call {
		case 2:
			// Instance replaced externally; the poller must act on the new id
			f.instances = []provider.Instance{{ID: "i-2", Name: "james-a100", Status: provider.StatusStarting}}
		case 4:
			f.setStatusLocked("i-2", provider.StatusRunning)
		}
	}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, "i-2", result.InstanceID)

	lists, _, _ := fp.counts()
	assert.Equal(t, result.Attempts, lists, "one list per attempt")
	assert.Equal(t, []string{"i-1", "i-2", "i-2"}, fp.startCalls)
}

func TestPollUntil_PrefixMatch(t *testing.T) {
	fp := newFakeProvider(
		provider.Instance{ID: "i-1", Name: "mark-a100", Status: provider.StatusRunning},
		provider.Instance{ID: "i-2", Name: "james-a100", Status: provider.StatusStopped},
	)

	exact, err := newTestPoller(fp, &sleepRecorder{}).Start(context.Background(), "james")
	assert.True(t, IsNotFound(err))
	assert.Empty(t, exact.InstanceID)

	var nf *ResourceNotFoundError
	_, err = newTestPoller(fp, &sleepRecorder{}, WithPrefixMatch(true)).Start(context.Background(), "lena")
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.Prefix)

	fp.settle = true
	result, err := newTestPoller(fp, &sleepRecorder{}, WithPrefixMatch(true)).Start(context.Background(), "james")
	require.NoError(t, err)
	assert.Equal(t, "i-2", result.InstanceID)
}

func TestPollUntil_TransientListError(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusRunning})
	fp.listErrs = []error{provider.NewProviderError("fake", "ListInstances", http.StatusBadGateway, "", provider.ErrProviderError)}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts, "a failed list consumes an attempt")
	assert.Equal(t, 1, result.TransientErrors)
	assert.False(t, result.AlreadyConverged)
	assert.Equal(t, 1, sleeper.count())
}

func TestPollUntil_FatalListError(t *testing.T) {
	fp := newFakeProvider()
	fp.listErrs = []error{provider.NewProviderError("fake", "ListInstances", http.StatusUnauthorized, "bad key", provider.ErrProviderAuth)}

	result, err := newTestPoller(fp, &sleepRecorder{}).Start(context.Background(), "james-a100")

	assert.True(t, provider.IsAuthError(err))
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

// clientTimeoutErr is what net/http returns when http.Client.Timeout expires
func clientTimeoutErr(method, path string) error {
	return fmt.Errorf("request failed: %w", &url.Error{Op: method, URL: "http://fluidstack" + path, Err: context.DeadlineExceeded})
}

func TestPollUntil_ListTimeoutRetried(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusRunning})
	fp.listErrs = []error{clientTimeoutErr(http.MethodGet, "/instances")}
	sleeper := &sleepRecorder{}

	result, err := newTestPoller(fp, sleeper).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.Equal(t, 2, result.Attempts, "the timed-out list consumes one attempt")
	assert.Equal(t, 1, result.TransientErrors)
	assert.Equal(t, 2, fp.listCalls)
	assert.Equal(t, 1, sleeper.count())
}

func TestPollUntil_CallerDeadlineIsFatal(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.listErrs = []error{clientTimeoutErr(http.MethodGet, "/instances")}
	sleeper := &sleepRecorder{}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	result, err := newTestPoller(fp, sleeper).Start(ctx, "james-a100")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, result.TransientErrors)
	assert.Zero(t, sleeper.count())
}

func TestPollUntil_ContextCanceledDuringWait(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(fp,
		WithLogger(quietLogger()),
		WithSleepFunc(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	result, err := p.Start(ctx, "james-a100")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
}

func TestPollUntil_InvalidBudget(t *testing.T) {
	fp := newFakeProvider()
	result, err := newTestPoller(fp, &sleepRecorder{}, WithMaxAttempts(0)).Start(context.Background(), "x")

	assert.ErrorIs(t, err, ErrInvalidBudget)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	lists, _, _ := fp.counts()
	assert.Zero(t, lists)
}

func TestPollUntil_UnsupportedTarget(t *testing.T) {
	fp := newFakeProvider()
	_, err := newTestPoller(fp, &sleepRecorder{}).PollUntil(context.Background(), "x", provider.Status("hibernated"))

	var ue *UnsupportedTargetError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, provider.Status("hibernated"), ue.Target)
}

func TestPollUntil_CustomTransition(t *testing.T) {
	hibernated := provider.Status("hibernated")
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusRunning})

	var requested []string
	p := newTestPoller(fp, &sleepRecorder{}, WithTransition(hibernated, func(ctx context.Context, id string) error {
		requested = append(requested, id)
		fp.mu.Lock()
		fp.setStatusLocked(id, hibernated)
		fp.mu.Unlock()
		return nil
	}))

	result, err := p.PollUntil(context.Background(), "james-a100", hibernated)

	require.NoError(t, err)
	assert.True(t, result.Converged())
	assert.Equal(t, []string{"i-1"}, requested)
}

func TestPollUntil_CustomClassifier(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.settle = true
	fp.transitErrs = []error{errors.New("anything goes")}

	result, err := newTestPoller(fp, &sleepRecorder{},
		WithTransientClassifier(func(error) bool { return true }),
	).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, 1, result.TransientErrors)
}

func TestPollUntil_TimesResult(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusRunning})
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	now := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	result, err := newTestPoller(fp, &sleepRecorder{}, WithTimeFunc(now)).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, time.Second, result.Duration())
	assert.NotEmpty(t, result.RunID)
}

type recordingHandler struct {
	attempts  []int
	transient []int
	results   []*Result
}

func (h *recordingHandler) OnAttempt(name string, attempt, max int, status provider.Status) {
	h.attempts = append(h.attempts, attempt)
}

func (h *recordingHandler) OnTransientError(name string, attempt, max int, err error) {
	h.transient = append(h.transient, attempt)
}

func (h *recordingHandler) OnResult(result *Result) {
	h.results = append(h.results, result)
}

func TestPollUntil_EventHandler(t *testing.T) {
	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.settle = true
	fp.transitErrs = []error{conflictErr()}
	h := &recordingHandler{}

	result, err := newTestPoller(fp, &sleepRecorder{}, WithEventHandler(h)).Start(context.Background(), "james-a100")

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, h.attempts)
	assert.Equal(t, []int{1}, h.transient)
	require.Len(t, h.results, 1)
	assert.Same(t, result, h.results[0])
}

func TestPollUntil_LogsTransientErrorWithAttempt(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	fp := newFakeProvider(provider.Instance{ID: "i-1", Name: "james-a100", Status: provider.StatusStopped})
	fp.settle = true
	fp.transitErrs = []error{conflictErr()}

	_, err := newTestPoller(fp, &sleepRecorder{}, WithLogger(logger), WithMaxAttempts(7)).Start(context.Background(), "james-a100")
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "transition request rejected, will retry" {
			found = true
			assert.Equal(t, float64(1), entry["attempt"])
			assert.Equal(t, float64(7), entry["max_attempts"])
			assert.Equal(t, "i-1", entry["instance_id"])
		}
	}
	assert.True(t, found, "transient error is logged")
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
