package poller

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

// Target names an instance and the status it should reach
type Target struct {
	Name   string
	Status provider.Status
}

// PollAll converges each target concurrently, at most parallelism at a time
// (parallelism < 1 means unbounded). Every target gets its own attempt
// budget and one target failing does not cancel the others. Results are
// returned in target order; the error joins every per-target error.
func (p *Poller) PollAll(ctx context.Context, targets []Target, parallelism int) ([]*Result, error) {
	results := make([]*Result, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i, t := range targets {
		g.Go(func() error {
			results[i], errs[i] = p.PollUntil(ctx, t.Name, t.Status)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
