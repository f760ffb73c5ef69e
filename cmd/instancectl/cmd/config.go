package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View instancectl configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration (secrets masked)",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := cfg.Settings()

	if outputFormat == "json" {
		out := make(map[string]string, len(settings))
		for _, s := range settings {
			out[s.Key] = s.Value
		}
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	fmt.Fprintln(w, "---\t-----")
	for _, s := range settings {
		fmt.Fprintf(w, "%s\t%s\n", s.Key, orDash(s.Value))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("\nConfiguration is not usable yet: %v\n", err)
	}
	return nil
}
