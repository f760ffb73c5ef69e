package fluidstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gpu-instancectl/instancectl/internal/metrics"
	"github.com/gpu-instancectl/instancectl/internal/provider"
)

const (
	defaultBaseURL = "https://platform.fluidstack.io"
	defaultTimeout = 30 * time.Second
	providerName   = "fluidstack"
)

// Client implements provider.Provider and provider.KeyManager for FluidStack
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var (
	_ provider.Provider   = (*Client)(nil)
	_ provider.KeyManager = (*Client)(nil)
)

// ClientOption configures the FluidStack client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit caps outgoing requests per second. Zero or negative disables limiting.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewClient creates a new FluidStack client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return providerName
}

// ListInstances returns every instance on the account
func (c *Client) ListInstances(ctx context.Context) ([]provider.Instance, error) {
	var result []Instance
	if err := c.do(ctx, "ListInstances", http.MethodGet, "/instances", nil, &result); err != nil {
		return nil, err
	}

	instances := make([]provider.Instance, 0, len(result))
	for _, inst := range result {
		instances = append(instances, inst.ToInstance())
	}
	return instances, nil
}

// CreateInstance provisions a new instance
func (c *Client) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*provider.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body := CreateInstanceRequest{
		Name:                 req.Name,
		GPUType:              req.GPUType,
		GPUCount:             req.GPUCount,
		SSHKey:               req.SSHKey,
		OperatingSystemLabel: req.OSImage,
	}

	var result Instance
	if err := c.do(ctx, "CreateInstance", http.MethodPost, "/instances", body, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, provider.NewProviderError(providerName, "CreateInstance", 0, "response missing instance id", provider.ErrInvalidResponse)
	}

	inst := result.ToInstance()
	return &inst, nil
}

// StartInstance requests that a stopped instance be started
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, "StartInstance", http.MethodPut, "/instances/"+url.PathEscape(instanceID)+"/start", nil, nil)
}

// StopInstance requests that a running instance be stopped
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, "StopInstance", http.MethodPut, "/instances/"+url.PathEscape(instanceID)+"/stop", nil, nil)
}

// ListSSHKeys returns the public keys stored on the account
func (c *Client) ListSSHKeys(ctx context.Context) ([]provider.SSHKey, error) {
	var result []SSHKey
	if err := c.do(ctx, "ListSSHKeys", http.MethodGet, "/ssh_keys", nil, &result); err != nil {
		return nil, err
	}

	keys := make([]provider.SSHKey, 0, len(result))
	for _, k := range result {
		keys = append(keys, provider.SSHKey{Name: k.Name, PublicKey: k.PublicKey})
	}
	return keys, nil
}

// CreateSSHKey stores a named public key
func (c *Client) CreateSSHKey(ctx context.Context, key provider.SSHKey) (*provider.SSHKey, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var result SSHKey
	if err := c.do(ctx, "CreateSSHKey", http.MethodPost, "/ssh_keys", SSHKey(key), &result); err != nil {
		return nil, err
	}
	return &provider.SSHKey{Name: result.Name, PublicKey: result.PublicKey}, nil
}

// do sends one API request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProviderAPICall(operation, err, time.Since(start))
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleError(resp, operation)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewProviderError(providerName, operation, resp.StatusCode, fmt.Sprintf("failed to decode response: %v", err), provider.ErrInvalidResponse)
	}
	return nil
}

// handleError converts HTTP errors to provider errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	message := strings.TrimSpace(string(body))

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.text() != "" {
		message = errResp.text()
	}

	return provider.NewProviderError(providerName, operation, resp.StatusCode, message, provider.SentinelForStatus(resp.StatusCode))
}
