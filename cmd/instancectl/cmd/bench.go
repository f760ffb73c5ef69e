package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/bench"
	"github.com/gpu-instancectl/instancectl/internal/provider"
	"github.com/gpu-instancectl/instancectl/internal/storage"
)

var (
	benchEndpoint   string
	benchInstance   string
	benchPort       int
	benchModel      string
	benchAPIKey     string
	benchPrompt     string
	benchMaxTokens  int
	benchBatchSizes []int
	benchRounds     int
	benchWarmup     int
	benchNoSave     bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure generation throughput of an inference endpoint",
	Long: `Measure tokens per second of an OpenAI-compatible completions endpoint at
each batch size. Every round sends batch-size concurrent requests.

The endpoint is --endpoint, BENCH_ENDPOINT, or derived from a running
instance's IP with --instance NAME --port 8000.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().StringVar(&benchEndpoint, "endpoint", "", "Base URL of the inference server (default from config)")
	benchCmd.Flags().StringVar(&benchInstance, "instance", "", "Benchmark the server on this instance's IP address")
	benchCmd.Flags().IntVar(&benchPort, "port", 8000, "Inference server port when using --instance")
	benchCmd.Flags().StringVar(&benchModel, "model", "", "Model name (default from config, else the first served model)")
	benchCmd.Flags().StringVar(&benchAPIKey, "api-key", "", "Bearer token for the inference server (default from config)")
	benchCmd.Flags().StringVar(&benchPrompt, "prompt", "", "Prompt to complete")
	benchCmd.Flags().IntVar(&benchMaxTokens, "max-tokens", bench.DefaultMaxTokens, "Maximum generated tokens per request")
	benchCmd.Flags().IntSliceVar(&benchBatchSizes, "batch-sizes", bench.DefaultBatchSizes, "Batch sizes to measure, in order")
	benchCmd.Flags().IntVar(&benchRounds, "rounds", bench.DefaultRounds, "Rounds per batch size")
	benchCmd.Flags().IntVar(&benchWarmup, "warmup", 1, "Unmeasured requests sent first")
	benchCmd.Flags().BoolVar(&benchNoSave, "no-save", false, "Do not store results in the history database")
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	endpoint, err := resolveBenchEndpoint(cmd)
	if err != nil {
		return err
	}

	benchCfg := bench.Config{
		Endpoint:   endpoint,
		APIKey:     firstNonEmpty(benchAPIKey, cfg.Bench.APIKey),
		Model:      firstNonEmpty(benchModel, cfg.Bench.Model),
		Prompt:     benchPrompt,
		MaxTokens:  benchMaxTokens,
		BatchSizes: benchBatchSizes,
		Rounds:     benchRounds,
		Warmup:     benchWarmup,
	}

	runner, err := bench.NewRunner(benchCfg,
		bench.WithLogger(slog.Default().With(slog.String("component", "bench"))),
		bench.WithBatchCallback(func(b bench.BatchResult) {
			fmt.Fprintln(progressOut, b.Summary())
		}))
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx)
	if report != nil && len(report.Batches) > 0 {
		saveBenchReport(cmd, report)
		if perr := printBenchReport(report); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func resolveBenchEndpoint(cmd *cobra.Command) (string, error) {
	if benchEndpoint != "" {
		return benchEndpoint, nil
	}
	if benchInstance == "" {
		if cfg.Bench.Endpoint == "" {
			return "", fmt.Errorf("no endpoint: pass --endpoint, --instance or set BENCH_ENDPOINT")
		}
		return cfg.Bench.Endpoint, nil
	}

	client, err := newClient()
	if err != nil {
		return "", err
	}
	instances, err := client.ListInstances(commandContext(cmd))
	if err != nil {
		return "", fmt.Errorf("failed to list instances: %w", err)
	}
	mode := provider.MatchExact
	if cfg.Poll.PrefixMatch {
		mode = provider.MatchPrefix
	}
	inst, ok := provider.FindInstance(instances, benchInstance, mode)
	if !ok {
		return "", fmt.Errorf("no instance named %q", benchInstance)
	}
	if inst.Status != provider.StatusRunning || inst.IPAddress == "" {
		return "", fmt.Errorf("instance %s is %s and has no reachable address", inst.Name, inst.Status)
	}
	return fmt.Sprintf("http://%s:%d", inst.IPAddress, benchPort), nil
}

func saveBenchReport(cmd *cobra.Command, report *bench.Report) {
	if benchNoSave || !cfg.History.Enabled {
		return
	}

	ctx := commandContext(cmd)
	db, err := openHistory(ctx)
	if err != nil {
		slog.Warn("benchmark history unavailable", slog.String("error", err.Error()))
		return
	}
	defer db.Close()

	store := storage.NewBenchmarkStore(db)
	for _, b := range report.Batches {
		err := store.Create(ctx, &storage.BenchmarkResult{
			RunID:            report.RunID,
			Endpoint:         report.Endpoint,
			Model:            report.Model,
			BatchSize:        b.BatchSize,
			Rounds:           b.Rounds,
			Requests:         b.Requests,
			FailedRequests:   b.FailedRequests,
			CompletionTokens: b.CompletionTokens,
			DurationMS:       b.Duration.Milliseconds(),
			TokensPerSecond:  b.TokensPerSecond,
			CreatedAt:        report.StartedAt,
		})
		if err != nil {
			slog.Warn("failed to store benchmark result", slog.Int("batch_size", b.BatchSize), slog.String("error", err.Error()))
		}
	}
}

func printBenchReport(report *bench.Report) error {
	if outputFormat == "json" {
		return printJSON(report)
	}

	fmt.Printf("Model: %s\nEndpoint: %s\n\n", report.Model, report.Endpoint)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tREQUESTS\tFAILED\tTOKENS\tDURATION\tTOKENS/S")
	fmt.Fprintln(w, "-----\t--------\t------\t------\t--------\t--------")
	for _, b := range report.Batches {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%.2f\n",
			b.BatchSize,
			b.Requests,
			b.FailedRequests,
			b.CompletionTokens,
			b.Duration.Round(time.Millisecond),
			b.TokensPerSecond,
		)
	}
	return w.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
