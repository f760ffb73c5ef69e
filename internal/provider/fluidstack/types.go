package fluidstack

import (
	"time"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

// Instance represents a FluidStack instance as returned by GET /instances
type Instance struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Status               string `json:"status"`
	GPUType              string `json:"gpu_type"`
	GPUCount             int    `json:"gpu_count"`
	IPAddress            string `json:"ip_address,omitempty"`
	OperatingSystemLabel string `json:"operating_system_label,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"` // RFC3339
}

// ToInstance converts a FluidStack instance to the provider-neutral form
func (i Instance) ToInstance() provider.Instance {
	inst := provider.Instance{
		ID:        i.ID,
		Name:      i.Name,
		Status:    provider.ParseStatus(i.Status),
		GPUType:   i.GPUType,
		GPUCount:  i.GPUCount,
		IPAddress: i.IPAddress,
	}
	if t, err := time.Parse(time.RFC3339, i.CreatedAt); err == nil {
		inst.CreatedAt = t
	}
	return inst
}

// CreateInstanceRequest is the request body for POST /instances
type CreateInstanceRequest struct {
	Name                 string `json:"name"`
	GPUType              string `json:"gpu_type"`
	GPUCount             int    `json:"gpu_count"`
	SSHKey               string `json:"ssh_key"`
	OperatingSystemLabel string `json:"operating_system_label,omitempty"`
}

// SSHKey is the wire form of a stored public key
type SSHKey struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// ErrorResponse is the body FluidStack sends with non-2xx responses
type ErrorResponse struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e ErrorResponse) text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}
