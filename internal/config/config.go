package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DotEnvFile is loaded into the process environment before configuration is
// read. Variables already set in the environment win.
var DotEnvFile = ".env"

// Config holds all application configuration
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Poll     PollConfig     `mapstructure:"poll"`
	Create   CreateConfig   `mapstructure:"create"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Bench    BenchConfig    `mapstructure:"bench"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProviderConfig holds FluidStack API configuration
type ProviderConfig struct {
	APIKey            string        `mapstructure:"api_key" validate:"required"`
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
}

// PollConfig holds the convergence budget
type PollConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	PrefixMatch bool          `mapstructure:"prefix_match"`
	Parallelism int           `mapstructure:"parallelism" validate:"gte=1"`
}

// CreateConfig holds defaults for new instances
type CreateConfig struct {
	GPUType  string `mapstructure:"gpu_type" validate:"required"`
	GPUCount int    `mapstructure:"gpu_count" validate:"gte=1,lte=16"`
	OSImage  string `mapstructure:"os_image" validate:"required"`
	SSHKey   string `mapstructure:"ssh_key"`
}

// HistoryConfig holds poll history storage configuration
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// MetricsConfig holds metrics export configuration
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// BenchConfig holds the inference endpoint used by the throughput benchmark
type BenchConfig struct {
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format string `mapstructure:"format" validate:"oneof=text json"` // "json" or "text"
}

var validate = validator.New()

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromEnv loads configuration from defaults and environment variables only
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if DotEnvFile == "" {
		return nil
	}
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "https://platform.fluidstack.io")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.requests_per_second", 2.0)

	// Poll defaults
	v.SetDefault("poll.max_attempts", 60)
	v.SetDefault("poll.interval", 10*time.Second)
	v.SetDefault("poll.prefix_match", false)
	v.SetDefault("poll.parallelism", 4)

	// Create defaults
	v.SetDefault("create.gpu_type", "A100_PCIE_80GB")
	v.SetDefault("create.gpu_count", 1)
	v.SetDefault("create.os_image", "ubuntu_22_04_lts_nvidia")
	v.SetDefault("create.ssh_key", "")

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "./data/instancectl.db")

	v.SetDefault("metrics.textfile", "")

	// Bench defaults
	v.SetDefault("bench.endpoint", "")
	v.SetDefault("bench.api_key", "")
	v.SetDefault("bench.model", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from environment
	bindEnv("provider.api_key", "FLUIDSTACK_APIKEY")
	bindEnv("provider.base_url", "FLUIDSTACK_BASE_URL")
	bindEnv("provider.timeout", "FLUIDSTACK_TIMEOUT")
	bindEnv("provider.requests_per_second", "FLUIDSTACK_RPS")

	// Poll budget
	bindEnv("poll.max_attempts", "POLL_MAX_ATTEMPTS")
	bindEnv("poll.interval", "POLL_INTERVAL")
	bindEnv("poll.prefix_match", "POLL_PREFIX_MATCH")
	bindEnv("poll.parallelism", "POLL_PARALLELISM")

	// Create
	bindEnv("create.gpu_type", "CREATE_GPU_TYPE")
	bindEnv("create.gpu_count", "CREATE_GPU_COUNT")
	bindEnv("create.os_image", "CREATE_OS_IMAGE")
	bindEnv("create.ssh_key", "CREATE_SSH_KEY")

	// History
	bindEnv("history.enabled", "HISTORY_ENABLED")
	bindEnv("history.path", "HISTORY_PATH")

	bindEnv("metrics.textfile", "METRICS_TEXTFILE")

	// Bench
	bindEnv("bench.endpoint", "BENCH_ENDPOINT")
	bindEnv("bench.api_key", "BENCH_API_KEY")
	bindEnv("bench.model", "BENCH_MODEL")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}
	return nil
}

// fieldError renders the first failing field with the environment variable a
// user would set to fix it
func fieldError(fe validator.FieldError) error {
	env, ok := envNames[fe.StructNamespace()]
	if !ok {
		env = fe.StructNamespace()
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", env)
	default:
		return fmt.Errorf("%s is invalid: must satisfy %s=%s (got %v)", env, fe.Tag(), fe.Param(), fe.Value())
	}
}

var envNames = map[string]string{
	"Config.Provider.APIKey":            "FLUIDSTACK_APIKEY",
	"Config.Provider.BaseURL":           "FLUIDSTACK_BASE_URL",
	"Config.Provider.Timeout":           "FLUIDSTACK_TIMEOUT",
	"Config.Provider.RequestsPerSecond": "FLUIDSTACK_RPS",
	"Config.Poll.MaxAttempts":           "POLL_MAX_ATTEMPTS",
	"Config.Poll.Interval":              "POLL_INTERVAL",
	"Config.Poll.Parallelism":           "POLL_PARALLELISM",
	"Config.Create.GPUType":             "CREATE_GPU_TYPE",
	"Config.Create.GPUCount":            "CREATE_GPU_COUNT",
	"Config.Create.OSImage":             "CREATE_OS_IMAGE",
	"Config.History.Path":               "HISTORY_PATH",
	"Config.Bench.Endpoint":             "BENCH_ENDPOINT",
	"Config.Logging.Level":              "LOG_LEVEL",
	"Config.Logging.Format":             "LOG_FORMAT",
}

// Setting is one resolved configuration value
type Setting struct {
	Key   string
	Value string
}

// Settings lists every resolved value in key order with secrets masked
func (c *Config) Settings() []Setting {
	return []Setting{
		{"provider.api_key", mask(c.Provider.APIKey)},
		{"provider.base_url", c.Provider.BaseURL},
		{"provider.timeout", c.Provider.Timeout.String()},
		{"provider.requests_per_second", strconv.FormatFloat(c.Provider.RequestsPerSecond, 'g', -1, 64)},
		{"poll.max_attempts", strconv.Itoa(c.Poll.MaxAttempts)},
		{"poll.interval", c.Poll.Interval.String()},
		{"poll.prefix_match", strconv.FormatBool(c.Poll.PrefixMatch)},
		{"poll.parallelism", strconv.Itoa(c.Poll.Parallelism)},
		{"create.gpu_type", c.Create.GPUType},
		{"create.gpu_count", strconv.Itoa(c.Create.GPUCount)},
		{"create.os_image", c.Create.OSImage},
		{"create.ssh_key", c.Create.SSHKey},
		{"history.enabled", strconv.FormatBool(c.History.Enabled)},
		{"history.path", c.History.Path},
		{"metrics.textfile", c.Metrics.Textfile},
		{"bench.endpoint", c.Bench.Endpoint},
		{"bench.api_key", mask(c.Bench.APIKey)},
		{"bench.model", c.Bench.Model},
		{"logging.level", c.Logging.Level},
		{"logging.format", c.Logging.Format},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
