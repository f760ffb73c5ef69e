// Package bench measures generation throughput of an OpenAI-compatible
// inference endpoint at increasing batch sizes.
package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gpu-instancectl/instancectl/internal/metrics"
)

const (
	DefaultPrompt      = "You are a pirate chatbot who always responds in pirate speak!\n\nWho are you?"
	DefaultMaxTokens   = 256
	DefaultRounds      = 10
	DefaultTemperature = 0.6
	DefaultTopP        = 0.9
)

// DefaultBatchSizes are measured in order when none are configured
var DefaultBatchSizes = []int{1, 2, 4, 8}

// ErrNoModel is returned when the endpoint serves no models and none was configured
var ErrNoModel = errors.New("no models available")

// Config describes one benchmark run
type Config struct {
	Endpoint    string  `validate:"required,url"`
	APIKey      string  `validate:"-"`
	Model       string  `validate:"-"`
	Prompt      string  `validate:"required"`
	MaxTokens   int     `validate:"gte=1"`
	Temperature float64 `validate:"gte=0,lte=2"`
	TopP        float64 `validate:"gt=0,lte=1"`
	BatchSizes  []int   `validate:"required,min=1,dive,gte=1,lte=256"`
	Rounds      int     `validate:"gte=1"`
	Warmup      int     `validate:"gte=0"`
}

// WithDefaults fills zero fields with the default workload
func (c Config) WithDefaults() Config {
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = DefaultTopP
	}
	if len(c.BatchSizes) == 0 {
		c.BatchSizes = append([]int(nil), DefaultBatchSizes...)
	}
	if c.Rounds == 0 {
		c.Rounds = DefaultRounds
	}
	return c
}

var validate = validator.New()

// Validate checks the run parameters
func (c Config) Validate() error {
	return validate.Struct(c)
}

// BatchResult is the throughput measured at one batch size
type BatchResult struct {
	BatchSize        int           `json:"batch_size"`
	Rounds           int           `json:"rounds"`
	Requests         int           `json:"requests"`
	FailedRequests   int           `json:"failed_requests"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"duration_ns"`
	TokensPerSecond  float64       `json:"tokens_per_second"`
	Errors           []string      `json:"errors,omitempty"`
}

// Summary renders the result as a single human-readable line
func (b BatchResult) Summary() string {
	return fmt.Sprintf("Batch size %d, got %d tokens in %.2f seconds, %.2f tokens per second.",
		b.BatchSize, b.CompletionTokens, b.Duration.Seconds(), b.TokensPerSecond)
}

// Report is the outcome of a benchmark run
type Report struct {
	RunID     string        `json:"run_id"`
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Batches   []BatchResult `json:"batches"`
}

// Runner executes benchmark runs against one endpoint
type Runner struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	onBatch    func(BatchResult)
	now        func() time.Time
}

// Option configures the runner
type Option func(*Runner)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) {
		r.httpClient = client
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithBatchCallback is invoked after each batch size completes
func WithBatchCallback(fn func(BatchResult)) Option {
	return func(r *Runner) {
		r.onBatch = fn
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(r *Runner) {
		r.now = fn
	}
}

// NewRunner validates cfg (after defaults are applied) and returns a runner
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid benchmark config: %w", err)
	}

	r := &Runner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     slog.Default(),
		onBatch:    func(BatchResult) {},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the effective run parameters
func (r *Runner) Config() Config {
	return r.cfg
}

// Run measures every configured batch size in order. Each round sends
// batch-size concurrent completions and waits for all of them; failed
// requests are counted but do not abort the run.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	model := r.cfg.Model
	if model == "" {
		var err error
		model, err = r.discoverModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get model ID: %w", err)
		}
	}

	report := &Report{
		RunID:     uuid.NewString(),
		Endpoint:  r.cfg.Endpoint,
		Model:     model,
		StartedAt: r.now(),
	}
	logger := r.logger.With(slog.String("run_id", report.RunID), slog.String("model", model))

	for i := 0; i < r.cfg.Warmup; i++ {
		if _, err := r.complete(ctx, model); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logger.Warn("warmup request failed", slog.Int("request", i+1), slog.String("error", err.Error()))
		}
	}

	for _, size := range r.cfg.BatchSizes {
		batch, err := r.runBatch(ctx, model, size)
		if err != nil {
			return report, err
		}
		report.Batches = append(report.Batches, batch)

		metrics.RecordBenchThroughput(model, size, batch.TokensPerSecond)
		logger.Info("batch measured",
			slog.Int("batch_size", size),
			slog.Int("requests", batch.Requests),
			slog.Int("failed_requests", batch.FailedRequests),
			slog.Int("completion_tokens", batch.CompletionTokens),
			slog.Duration("duration", batch.Duration),
			slog.Float64("tokens_per_second", batch.TokensPerSecond))
		r.onBatch(batch)
	}

	return report, nil
}

func (r *Runner) runBatch(ctx context.Context, model string, size int) (BatchResult, error) {
	result := BatchResult{BatchSize: size, Rounds: r.cfg.Rounds}

	var mu sync.Mutex
	start := r.now()
	for round := 0; round < r.cfg.Rounds; round++ {
		var g errgroup.Group
		for j := 0; j < size; j++ {
			g.Go(func() error {
				tokens, err := r.complete(ctx, model)

				mu.Lock()
				defer mu.Unlock()
				result.Requests++
				if err != nil {
					result.FailedRequests++
					result.Errors = append(result.Errors, fmt.Sprintf("round %d request %d: %v", round+1, j+1, err))
					return nil
				}
				result.CompletionTokens += tokens
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return result, err
		}
	}
	result.Duration = r.now().Sub(start)

	if secs := result.Duration.Seconds(); secs > 0 {
		result.TokensPerSecond = float64(result.CompletionTokens) / secs
	}
	return result, nil
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// complete sends one completion and returns the number of generated tokens
func (r *Runner) complete(ctx context.Context, model string) (int, error) {
	var resp completionResponse
	err := r.do(ctx, http.MethodPost, "/v1/completions", completionRequest{
		Model:       model,
		Prompt:      r.cfg.Prompt,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		TopP:        r.cfg.TopP,
	}, &resp)
	if err != nil {
		return 0, err
	}

	if resp.Usage != nil {
		return resp.Usage.CompletionTokens, nil
	}
	// Servers without usage accounting: count whitespace-separated words
	tokens := 0
	for _, c := range resp.Choices {
		tokens += len(strings.Fields(c.Text))
	}
	return tokens, nil
}

func (r *Runner) discoverModel(ctx context.Context) (string, error) {
	var models modelsResponse
	if err := r.do(ctx, http.MethodGet, "/v1/models", nil, &models); err != nil {
		return "", err
	}
	if len(models.Data) == 0 {
		return "", ErrNoModel
	}
	return models.Data[0].ID, nil
}

func (r *Runner) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
