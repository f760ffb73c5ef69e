package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Common errors returned by providers
var (
	ErrProviderRateLimit = errors.New("provider rate limit exceeded")
	ErrProviderAuth      = errors.New("provider authentication failed")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrTransitionPending = errors.New("instance is already transitioning")
	ErrProviderError     = errors.New("provider API error")
	ErrInvalidResponse   = errors.New("invalid provider response")
)

// Status is a provider-defined instance state. The set is open-ended;
// only running and stopped are treated as terminal by the poller.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ParseStatus normalizes a provider status string
func ParseStatus(s string) Status {
	return Status(strings.ToLower(strings.TrimSpace(s)))
}

// Provider defines the instance operations of a GPU cloud provider
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// ListInstances returns every instance visible to the credentialed account
	ListInstances(ctx context.Context) ([]Instance, error)

	// CreateInstance provisions a new instance. Completion is not awaited.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*Instance, error)

	// StartInstance requests an asynchronous transition to running
	StartInstance(ctx context.Context, instanceID string) error

	// StopInstance requests an asynchronous transition to stopped
	StopInstance(ctx context.Context, instanceID string) error
}

// KeyManager is implemented by providers that store SSH public keys by name
type KeyManager interface {
	ListSSHKeys(ctx context.Context) ([]SSHKey, error)
	CreateSSHKey(ctx context.Context, key SSHKey) (*SSHKey, error)
}

// Instance is a remote compute instance as reported by the provider
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	GPUType   string    `json:"gpu_type"`
	GPUCount  int       `json:"gpu_count"`
	IPAddress string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// CreateInstanceRequest contains all data needed to provision an instance
type CreateInstanceRequest struct {
	Name     string `validate:"required,max=128"`
	GPUType  string `validate:"required"`
	GPUCount int    `validate:"gte=1,lte=16"`
	SSHKey   string `validate:"required"` // Name of a key registered with the provider
	OSImage  string
}

var validate = validator.New()

// Validate checks the request before it is sent to the provider
func (r CreateInstanceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid create request: %w", err)
	}
	return nil
}

// SSHKey is a named public key stored by the provider
type SSHKey struct {
	Name      string `json:"name" validate:"required,max=64"`
	PublicKey string `json:"public_key" validate:"required"`
}

// Validate checks the key before it is uploaded
func (k SSHKey) Validate() error {
	if err := validate.Struct(k); err != nil {
		return fmt.Errorf("invalid ssh key: %w", err)
	}
	return nil
}

// MatchMode selects how an instance name is resolved
type MatchMode int

const (
	// MatchExact requires the instance name to equal the query
	MatchExact MatchMode = iota
	// MatchPrefix accepts the first instance whose name starts with the query
	MatchPrefix
)

// FindInstance returns the first instance matching name, preserving the
// provider's list order. ok is false when nothing matches.
func FindInstance(instances []Instance, name string, mode MatchMode) (Instance, bool) {
	for _, inst := range instances {
		switch mode {
		case MatchPrefix:
			if strings.HasPrefix(inst.Name, name) {
				return inst, true
			}
		default:
			if inst.Name == name {
				return inst, true
			}
		}
	}
	return Instance{}, false
}
