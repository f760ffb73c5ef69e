package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gpu-instancectl/instancectl/internal/provider"
)

var (
	createGPUType   string
	createGPUCount  int
	createOSImage   string
	createSSHKey    string
	createSuffix    string
	createStopAfter bool
)

var createCmd = &cobra.Command{
	Use:   "create BASENAME...",
	Short: "Create one instance per base name",
	Long: `Create one instance per base name. The instance is named BASENAME plus
--suffix, and {name} in --ssh-key is replaced with BASENAME, so

  instancectl create james mark --suffix -a100 --ssh-key "{name} key"

creates james-a100 using key "james key" and mark-a100 using "mark key".
With --stop-after every created instance is then driven to stopped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVar(&createGPUType, "gpu-type", "", "GPU type (default from config)")
	createCmd.Flags().IntVar(&createGPUCount, "gpu-count", 0, "GPUs per instance (default from config)")
	createCmd.Flags().StringVar(&createOSImage, "os-image", "", "Operating system image label (default from config)")
	createCmd.Flags().StringVar(&createSSHKey, "ssh-key", "", `SSH key name, {name} expands to the base name (default from config, else "{name} key")`)
	createCmd.Flags().StringVar(&createSuffix, "suffix", "-a100", "Suffix appended to each base name")
	createCmd.Flags().BoolVar(&createStopAfter, "stop-after", false, "Wait for each created instance and stop it")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	client, err := newClient()
	if err != nil {
		return err
	}

	var created []provider.Instance
	var names []string
	var errs []error
	for _, base := range args {
		req := buildCreateRequest(base)
		inst, err := client.CreateInstance(ctx, req)
		if err != nil {
			slog.Error("failed to create instance", slog.String("name", req.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("create %s: %w", req.Name, err))
			continue
		}
		created = append(created, *inst)
		names = append(names, inst.Name)
	}

	if len(created) > 0 {
		if err := printInstances(created); err != nil {
			errs = append(errs, err)
		}
	}

	if createStopAfter && len(names) > 0 {
		fmt.Println()
		p := newPoller(client, pollOverrides{})
		errs = append(errs, pollNamed(ctx, p, names, targetStopped, true))
	}

	return errors.Join(errs...)
}

func buildCreateRequest(base string) provider.CreateInstanceRequest {
	gpuType := cfg.Create.GPUType
	if createGPUType != "" {
		gpuType = createGPUType
	}
	gpuCount := cfg.Create.GPUCount
	if createGPUCount > 0 {
		gpuCount = createGPUCount
	}
	osImage := cfg.Create.OSImage
	if createOSImage != "" {
		osImage = createOSImage
	}
	keyTemplate := cfg.Create.SSHKey
	if createSSHKey != "" {
		keyTemplate = createSSHKey
	}
	if keyTemplate == "" {
		keyTemplate = "{name} key"
	}

	return provider.CreateInstanceRequest{
		Name:     base + createSuffix,
		GPUType:  gpuType,
		GPUCount: gpuCount,
		SSHKey:   strings.ReplaceAll(keyTemplate, "{name}", base),
		OSImage:  osImage,
	}
}
