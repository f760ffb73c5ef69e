package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List every instance with its current status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	return printStatus(commandContext(cmd), client)
}

func printStatus(ctx context.Context, prov provider.Provider) error {
	instances, err := prov.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	return printInstances(instances)
}

func printInstances(instances []provider.Instance) error {
	if outputFormat == "json" {
		return printJSON(instances)
	}

	if len(instances) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tID\tGPU\tCOUNT\tIP")
	fmt.Fprintln(w, "----\t------\t--\t---\t-----\t--")
	for _, inst := range instances {
		ip := inst.IPAddress
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			inst.Name,
			inst.Status,
			inst.ID,
			inst.GPUType,
			inst.GPUCount,
			ip,
		)
	}
	return w.Flush()
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
