package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/queuedrain/queuedrain/config"
	"github.com/queuedrain/queuedrain/supervisor"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a queuedrain.yaml configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}

	path, found, err := config.Discover(explicit)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if !found {
		return exitError(exitConfig, "no configuration file found")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	if cfg.Resync != "" {
		if _, err := supervisor.ParseResync(cfg.Resync); err != nil {
			return exitError(exitValidation, "%v", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d output(s), %d queue(s))\n", path, len(cfg.Outputs), len(cfg.Queues))
	return nil
}
