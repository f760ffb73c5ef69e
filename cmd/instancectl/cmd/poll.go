package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/poller"
	"github.com/gpu-instancectl/instancectl/internal/provider"
	"github.com/gpu-instancectl/instancectl/internal/provider/fluidstack"
	"github.com/gpu-instancectl/instancectl/internal/storage"
)

const (
	targetRunning = provider.StatusRunning
	targetStopped = provider.StatusStopped
)

var (
	pollAttempts int
	pollInterval string
	pollPrefix   bool
	pollParallel bool

	// progressOut receives the per-attempt retry lines
	progressOut io.Writer = os.Stderr
)

var startCmd = &cobra.Command{
	Use:   "start NAME...",
	Short: "Start instances and wait until they are running",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPoll(cmd, args, targetRunning)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME...",
	Short: "Stop instances and wait until they are stopped",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPoll(cmd, args, targetStopped)
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, stopCmd} {
		rootCmd.AddCommand(c)
		c.Flags().IntVar(&pollAttempts, "attempts", 0, "Maximum observation attempts per instance (default from config)")
		c.Flags().StringVar(&pollInterval, "interval", "", "Wait between attempts, e.g. 10s (default from config)")
		c.Flags().BoolVar(&pollPrefix, "prefix", false, "Match instance names by prefix instead of exactly")
		c.Flags().BoolVar(&pollParallel, "parallel", false, "Converge all named instances concurrently")
	}
}

func runPoll(cmd *cobra.Command, names []string, target provider.Status) error {
	overrides, err := currentOverrides()
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	return pollNamed(commandContext(cmd), newPoller(client, overrides), names, target, pollParallel)
}

// pollOverrides carries flag values that take precedence over config
type pollOverrides struct {
	attempts int
	interval *time.Duration
	prefix   bool
}

func currentOverrides() (pollOverrides, error) {
	o := pollOverrides{attempts: pollAttempts, prefix: pollPrefix}
	if pollInterval != "" {
		d, err := time.ParseDuration(pollInterval)
		if err != nil {
			return o, fmt.Errorf("invalid --interval: %w", err)
		}
		if d < 0 {
			return o, fmt.Errorf("invalid --interval: must not be negative")
		}
		o.interval = &d
	}
	if o.attempts < 0 {
		return o, fmt.Errorf("invalid --attempts: must be at least 1")
	}
	return o, nil
}

func newClient() (*fluidstack.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return fluidstack.NewClient(cfg.Provider.APIKey,
		fluidstack.WithBaseURL(cfg.Provider.BaseURL),
		fluidstack.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Timeout}),
		fluidstack.WithRateLimit(cfg.Provider.RequestsPerSecond),
	), nil
}

func newPoller(prov provider.Provider, o pollOverrides) *poller.Poller {
	attempts := cfg.Poll.MaxAttempts
	if o.attempts > 0 {
		attempts = o.attempts
	}
	interval := cfg.Poll.Interval
	if o.interval != nil {
		interval = *o.interval
	}

	return poller.New(prov,
		poller.WithLogger(slog.Default().With(slog.String("component", "poller"))),
		poller.WithMaxAttempts(attempts),
		poller.WithInterval(interval),
		poller.WithPrefixMatch(cfg.Poll.PrefixMatch || o.prefix),
		poller.WithEventHandler(&progressPrinter{out: progressOut}),
	)
}

// pollNamed converges each name to target, records the runs and prints a
// summary. Every name is attempted even if an earlier one fails.
func pollNamed(ctx context.Context, p *poller.Poller, names []string, target provider.Status, parallel bool) error {
	var results []*poller.Result
	var errs []error

	if parallel {
		targets := make([]poller.Target, len(names))
		for i, name := range names {
			targets[i] = poller.Target{Name: name, Status: target}
		}
		res, err := p.PollAll(ctx, targets, cfg.Poll.Parallelism)
		results = res
		errs = append(errs, err)
	} else {
		for _, name := range names {
			res, err := p.PollUntil(ctx, name, target)
			results = append(results, res)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	recordResults(ctx, results)
	if err := printResults(results); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// recordResults persists finished polls; history failures never fail the command
func recordResults(ctx context.Context, results []*poller.Result) {
	if !cfg.History.Enabled || len(results) == 0 {
		return
	}

	db, err := openHistory(ctx)
	if err != nil {
		slog.Warn("poll history unavailable", slog.String("error", err.Error()))
		return
	}
	defer db.Close()

	store := storage.NewRunStore(db)
	for _, r := range results {
		if r == nil {
			continue
		}
		run := &storage.PollRun{
			ID:               r.RunID,
			Provider:         "fluidstack",
			InstanceName:     r.Name,
			InstanceID:       r.InstanceID,
			TargetStatus:     string(r.Target),
			Outcome:          string(r.Outcome),
			LastStatus:       string(r.LastStatus),
			PrefixMatch:      cfg.Poll.PrefixMatch || pollPrefix,
			Attempts:         r.Attempts,
			MaxAttempts:      effectiveAttempts(),
			Transitions:      r.Transitions,
			TransientErrors:  r.TransientErrors,
			AlreadyConverged: r.AlreadyConverged,
			StartedAt:        r.StartedAt,
			FinishedAt:       r.FinishedAt,
		}
		if r.Err != nil {
			run.Error = r.Err.Error()
		}
		if err := store.Record(ctx, run); err != nil {
			slog.Warn("failed to record poll run", slog.String("run_id", r.RunID), slog.String("error", err.Error()))
		}
	}
}

func effectiveAttempts() int {
	if pollAttempts > 0 {
		return pollAttempts
	}
	return cfg.Poll.MaxAttempts
}

func openHistory(ctx context.Context) (*storage.DB, error) {
	db, err := storage.New(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type pollResultView struct {
	RunID            string `json:"run_id"`
	Name             string `json:"name"`
	InstanceID       string `json:"instance_id,omitempty"`
	Target           string `json:"target"`
	Outcome          string `json:"outcome"`
	LastStatus       string `json:"last_status,omitempty"`
	Attempts         int    `json:"attempts"`
	Transitions      int    `json:"transitions"`
	TransientErrors  int    `json:"transient_errors"`
	AlreadyConverged bool   `json:"already_converged"`
	DurationMS       int64  `json:"duration_ms"`
	Error            string `json:"error,omitempty"`
}

func printResults(results []*poller.Result) error {
	views := make([]pollResultView, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		v := pollResultView{
			RunID:            r.RunID,
			Name:             r.Name,
			InstanceID:       r.InstanceID,
			Target:           string(r.Target),
			Outcome:          string(r.Outcome),
			LastStatus:       string(r.LastStatus),
			Attempts:         r.Attempts,
			Transitions:      r.Transitions,
			TransientErrors:  r.TransientErrors,
			AlreadyConverged: r.AlreadyConverged,
			DurationMS:       r.Duration().Milliseconds(),
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}

	if outputFormat == "json" {
		return printJSON(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTARGET\tOUTCOME\tATTEMPTS\tTRANSITIONS\tDURATION\tERROR")
	fmt.Fprintln(w, "----\t------\t-------\t--------\t-----------\t--------\t-----")
	for _, v := range views {
		outcome := v.Outcome
		if v.AlreadyConverged {
			outcome += " (already)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			v.Name,
			v.Target,
			outcome,
			v.Attempts,
			v.Transitions,
			(time.Duration(v.DurationMS) * time.Millisecond).String(),
			truncateString(v.Error, 60),
		)
	}
	return w.Flush()
}

// progressPrinter writes one line per rejected transition, e.g.
// "starting james-a100, 3/60". PollAll calls it from several goroutines.
type progressPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *progressPrinter) OnAttempt(name string, attempt, maxAttempts int, status provider.Status) {}

func (p *progressPrinter) OnTransientError(name string, attempt, maxAttempts int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s, %d/%d\n", progressVerb(err), name, attempt, maxAttempts)
}

func (p *progressPrinter) OnResult(result *poller.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case result.AlreadyConverged:
		fmt.Fprintf(p.out, "%s already %s\n", result.Name, result.Target)
	case result.Outcome == poller.OutcomeExhausted:
		fmt.Fprintf(p.out, "%s still %s after %d attempts\n", result.Name, result.LastStatus, result.Attempts)
	}
}

func progressVerb(err error) string {
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		switch pe.Operation {
		case "StartInstance":
			return "starting"
		case "StopInstance":
			return "stopping"
		case "ListInstances":
			return "listing"
		}
	}
	return "waiting for"
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
