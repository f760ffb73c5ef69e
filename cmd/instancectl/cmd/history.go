package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/storage"
)

var (
	historyInstance string
	historyOutcome  string
	historySince    string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded poll runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyInstance, "instance", "i", "", "Filter by instance name")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter by outcome (converged, exhausted, failed)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only runs started within this duration, e.g. 24h")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("poll history is disabled (HISTORY_ENABLED=false)")
	}

	filter := storage.RunFilter{
		InstanceName: historyInstance,
		Outcome:      historyOutcome,
		Limit:        historyLimit,
	}
	if historySince != "" {
		d, err := time.ParseDuration(historySince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	ctx := commandContext(cmd)
	db, err := openHistory(ctx)
	if err != nil {
		return fmt.Errorf("failed to open poll history: %w", err)
	}
	defer db.Close()

	runs, err := storage.NewRunStore(db).List(ctx, filter)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		if runs == nil {
			runs = []*storage.PollRun{}
		}
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No poll runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tNAME\tTARGET\tOUTCOME\tATTEMPTS\tTRANSITIONS\tDURATION\tERROR")
	fmt.Fprintln(w, "-------\t----\t------\t-------\t--------\t-----------\t--------\t-----")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.InstanceName,
			r.TargetStatus,
			r.Outcome,
			r.Attempts,
			r.MaxAttempts,
			r.Transitions,
			r.Duration().Round(time.Millisecond),
			truncateString(r.Error, 50),
		)
	}
	return w.Flush()
}
