package poller

import (
	"errors"
	"fmt"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

// ErrInvalidBudget is returned when the attempt budget is below one
var ErrInvalidBudget = errors.New("max attempts must be at least 1")

// ResourceNotFoundError indicates no instance matched the requested name
type ResourceNotFoundError struct {
	Name   string
	Prefix bool
}

func (e *ResourceNotFoundError) Error() string {
	if e.Prefix {
		return fmt.Sprintf("no instance with name prefix %q", e.Name)
	}
	return fmt.Sprintf("no instance named %q", e.Name)
}

func (e *ResourceNotFoundError) Unwrap() error {
	return provider.ErrInstanceNotFound
}

// ConvergenceTimeoutError indicates the attempt budget ran out before the
// instance reached its target status
type ConvergenceTimeoutError struct {
	Name       string
	Target     provider.Status
	Attempts   int
	LastStatus provider.Status
}

func (e *ConvergenceTimeoutError) Error() string {
	return fmt.Sprintf("instance %s did not reach %s after %d attempts (last status: %s)",
		e.Name, e.Target, e.Attempts, e.LastStatus)
}

// UnsupportedTargetError indicates there is no transition request that
// drives an instance toward the target status
type UnsupportedTargetError struct {
	Target provider.Status
}

func (e *UnsupportedTargetError) Error() string {
	return fmt.Sprintf("no transition registered for target status %q", e.Target)
}

// IsExhausted reports whether err means the poll gave up without converging
func IsExhausted(err error) bool {
	var te *ConvergenceTimeoutError
	return errors.As(err, &te)
}

// IsNotFound reports whether err means the instance name did not resolve
func IsNotFound(err error) bool {
	var nf *ResourceNotFoundError
	return errors.As(err, &nf)
}
