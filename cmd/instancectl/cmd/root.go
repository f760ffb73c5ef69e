package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/config"
	"github.com/gpu-instancectl/instancectl/internal/logging"
	"github.com/gpu-instancectl/instancectl/internal/metrics"
)

var (
	configPath   string
	outputFormat string
	logLevel     string

	rootStart []string
	rootStop  []string

	// cfg is resolved once per invocation before any command runs
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "instancectl",
	Short: "instancectl - drive FluidStack GPU instances to a target state",
	Long: `instancectl starts and stops FluidStack GPU instances and waits until
they actually reach the requested status, retrying transitions the provider
rejects while an instance is still busy.

Examples:
  instancectl --start james-a100
  instancectl stop james-a100 mark-a100 --parallel
  instancectl create james mark lena jaime --stop-after
  instancectl status`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE:              runRoot,
}

// ExecuteContext runs the root command and exports metrics when configured
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if cfg != nil && cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			slog.Warn("failed to export metrics", slog.String("path", cfg.Metrics.Textfile), slog.String("error", werr.Error()))
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML); environment and .env are always read")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.Flags().StringArrayVar(&rootStart, "start", nil, "Start the named instance and wait until running (repeatable)")
	rootCmd.Flags().StringArrayVar(&rootStop, "stop", nil, "Stop the named instance and wait until stopped (repeatable)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if outputFormat != "table" && outputFormat != "json" {
		return fmt.Errorf("unknown output format %q (want table or json)", outputFormat)
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	cfg = loaded

	logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	return nil
}

// runRoot mirrors the classic flow: show every instance, converge the named
// ones, then show every instance again
func runRoot(cmd *cobra.Command, args []string) error {
	if len(rootStart) == 0 && len(rootStop) == 0 {
		return cmd.Help()
	}

	ctx := commandContext(cmd)
	client, err := newClient()
	if err != nil {
		return err
	}

	if err := printStatus(ctx, client); err != nil {
		return err
	}

	p := newPoller(client, pollOverrides{})
	var errs []error
	for _, name := range rootStart {
		errs = append(errs, pollNamed(ctx, p, []string{name}, targetRunning, false))
	}
	for _, name := range rootStop {
		errs = append(errs, pollNamed(ctx, p, []string{name}, targetStopped, false))
	}

	fmt.Println()
	if err := printStatus(ctx, client); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
