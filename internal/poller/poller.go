// Package poller drives remote instances toward a target status by repeated
// observation and corrective start/stop requests within a bounded budget.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gpu-instancectl/instancectl/internal/logging"
	"github.com/gpu-instancectl/instancectl/internal/metrics"
	"github.com/gpu-instancectl/instancectl/internal/provider"
)

const (
	// DefaultMaxAttempts is the default observation budget per poll
	DefaultMaxAttempts = 60
	// DefaultInterval is the default wait between attempts
	DefaultInterval = 10 * time.Second
)

// Outcome is how a poll finished
type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFailed    Outcome = "failed"
)

// Result describes one poll from first observation to outcome
type Result struct {
	RunID           string
	Name            string
	InstanceID      string
	Target          provider.Status
	Outcome         Outcome
	Attempts        int
	Transitions     int
	TransientErrors int
	// AlreadyConverged is set when the first observation matched the target
	// and no transition was requested
	AlreadyConverged bool
	LastStatus       provider.Status
	Err              error
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Converged reports whether the instance reached its target status
func (r *Result) Converged() bool {
	return r.Outcome == OutcomeConverged
}

// Duration returns the wall-clock time the poll took
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TransitionFunc requests an asynchronous state change for an instance
type TransitionFunc func(ctx context.Context, instanceID string) error

// EventHandler receives per-attempt poll events
type EventHandler interface {
	OnAttempt(name string, attempt, maxAttempts int, status provider.Status)
	OnTransientError(name string, attempt, maxAttempts int, err error)
	OnResult(result *Result)
}

type noopEventHandler struct{}

func (noopEventHandler) OnAttempt(string, int, int, provider.Status) {}
func (noopEventHandler) OnTransientError(string, int, int, error)    {}
func (noopEventHandler) OnResult(*Result)                            {}

// Poller converges named instances to a target status
type Poller struct {
	provider    provider.Provider
	logger      *slog.Logger
	handler     EventHandler
	transitions map[provider.Status]TransitionFunc
	isTransient func(error) bool

	maxAttempts int
	interval    time.Duration
	matchMode   provider.MatchMode

	// For time mocking in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures the poller
type Option func(*Poller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithMaxAttempts sets the observation budget per poll
func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		p.maxAttempts = n
	}
}

// WithInterval sets the wait between attempts
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithPrefixMatch resolves names by prefix instead of exact match
func WithPrefixMatch(enabled bool) Option {
	return func(p *Poller) {
		if enabled {
			p.matchMode = provider.MatchPrefix
		} else {
			p.matchMode = provider.MatchExact
		}
	}
}

// WithEventHandler sets a handler for per-attempt events
func WithEventHandler(handler EventHandler) Option {
	return func(p *Poller) {
		p.handler = handler
	}
}

// WithTransition registers the request that drives an instance toward target
func WithTransition(target provider.Status, fn TransitionFunc) Option {
	return func(p *Poller) {
		p.transitions[target] = fn
	}
}

// WithTransientClassifier replaces provider.IsTransient as the test for
// which transition errors are swallowed and retried
func WithTransientClassifier(fn func(error) bool) Option {
	return func(p *Poller) {
		p.isTransient = fn
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(p *Poller) {
		p.now = fn
	}
}

// WithSleepFunc sets a custom wait function (for testing)
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		p.sleep = fn
	}
}

// New creates a poller. Start and stop transitions are wired to the
// provider for the running and stopped targets.
func New(prov provider.Provider, opts ...Option) *Poller {
	p := &Poller{
		provider: prov,
		logger:   slog.Default(),
		handler:  noopEventHandler{},
		transitions: map[provider.Status]TransitionFunc{
			provider.StatusRunning: prov.StartInstance,
			provider.StatusStopped: prov.StopInstance,
		},
		isTransient: provider.IsTransient,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		matchMode:   provider.MatchExact,
		now:         time.Now,
		sleep:       sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start polls until the named instance is running
func (p *Poller) Start(ctx context.Context, name string) (*Result, error) {
	return p.PollUntil(ctx, name, provider.StatusRunning)
}

// Stop polls until the named instance is stopped
func (p *Poller) Stop(ctx context.Context, name string) (*Result, error) {
	return p.PollUntil(ctx, name, provider.StatusStopped)
}

// PollUntil drives the named instance toward target. Each attempt lists
// instances afresh, returns as soon as the observed status equals target,
// and otherwise issues the target's transition request and waits one
// interval. Transient transition errors are logged and retried; anything
// else aborts the poll.
//
// The returned Result is never nil. A budget spent without convergence
// yields OutcomeExhausted and a *ConvergenceTimeoutError.
func (p *Poller) PollUntil(ctx context.Context, name string, target provider.Status) (*Result, error) {
	result := &Result{
		RunID:     uuid.NewString(),
		Name:      name,
		Target:    target,
		StartedAt: p.now(),
	}

	ctx = logging.WithRunID(ctx, result.RunID)
	ctx = logging.WithInstance(ctx, name)
	ctx = logging.WithTarget(ctx, string(target))

	if p.maxAttempts < 1 {
		return p.finish(ctx, result, OutcomeFailed, ErrInvalidBudget)
	}
	transition, ok := p.transitions[target]
	if !ok || transition == nil {
		return p.finish(ctx, result, OutcomeFailed, &UnsupportedTargetError{Target: target})
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result.Attempts = attempt
		metrics.RecordPollAttempt(string(target))

		instances, err := p.provider.ListInstances(ctx)
		if err != nil {
			if ctx.Err() != nil || !p.isTransient(err) {
				return p.finish(ctx, result, OutcomeFailed, fmt.Errorf("list instances: %w", err))
			}
			result.TransientErrors++
			p.logger.WarnContext(ctx, "listing instances failed, will retry",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.maxAttempts),
				slog.String("error", err.Error()))
			p.handler.OnTransientError(name, attempt, p.maxAttempts, err)
		} else {
			inst, found := provider.FindInstance(instances, name, p.matchMode)
			if !found {
				return p.finish(ctx, result, OutcomeFailed, &ResourceNotFoundError{Name: name, Prefix: p.matchMode == provider.MatchPrefix})
			}

			result.InstanceID = inst.ID
			result.LastStatus = inst.Status
			p.handler.OnAttempt(name, attempt, p.maxAttempts, inst.Status)

			if inst.Status == target {
				result.AlreadyConverged = attempt == 1
				return p.finish(ctx, result, OutcomeConverged, nil)
			}

			result.Transitions++
			if err := transition(ctx, inst.ID); err != nil {
				// A timeout caused by our own context ends the poll
				if ctx.Err() != nil || !p.isTransient(err) {
					metrics.RecordTransition(string(target), "fatal")
					return p.finish(ctx, result, OutcomeFailed, fmt.Errorf("request %s for %s: %w", target, name, err))
				}
				metrics.RecordTransition(string(target), "transient")
				result.TransientErrors++
				p.logger.InfoContext(ctx, "transition request rejected, will retry",
					slog.String("instance_id", inst.ID),
					slog.String("status", string(inst.Status)),
					slog.Int("attempt", attempt),
					slog.Int("max_attempts", p.maxAttempts),
					slog.String("error", err.Error()))
				p.handler.OnTransientError(name, attempt, p.maxAttempts, err)
			} else {
				metrics.RecordTransition(string(target), "ok")
				p.logger.DebugContext(ctx, "transition requested",
					slog.String("instance_id", inst.ID),
					slog.String("status", string(inst.Status)),
					slog.Int("attempt", attempt))
			}
		}

		// No wait after the final attempt; nothing observes it
		if attempt < p.maxAttempts {
			if err := p.sleep(ctx, p.interval); err != nil {
				return p.finish(ctx, result, OutcomeFailed, err)
			}
		}
	}

	return p.finish(ctx, result, OutcomeExhausted, &ConvergenceTimeoutError{
		Name:       name,
		Target:     target,
		Attempts:   result.Attempts,
		LastStatus: result.LastStatus,
	})
}

func (p *Poller) finish(ctx context.Context, result *Result, outcome Outcome, err error) (*Result, error) {
	result.Outcome = outcome
	result.Err = err
	result.FinishedAt = p.now()

	metrics.RecordPollOutcome(string(result.Target), string(outcome), result.Duration())

	attrs := []any{
		slog.String("outcome", string(outcome)),
		slog.Int("attempts", result.Attempts),
		slog.Int("transitions", result.Transitions),
		slog.Duration("duration", result.Duration()),
	}
	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "instance reached target status", attrs...)
	case outcome == OutcomeExhausted:
		p.logger.WarnContext(ctx, "gave up waiting for target status", append(attrs, slog.String("last_status", string(result.LastStatus)))...)
	default:
		p.logger.ErrorContext(ctx, "poll failed", append(attrs, slog.String("error", err.Error()))...)
	}

	p.handler.OnResult(result)
	return result, err
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
