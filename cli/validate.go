package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbus/config"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a petalbus.yaml without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	var explicit string
	if len(args) == 1 {
		explicit = args[0]
	}
	out := cmd.OutOrStdout()

	path, found, err := config.Discover(explicit)
	if err != nil {
		return exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return exitError(exitFileNotFound, "no config file found")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "%s: invalid\n", path)
		for _, problem := range splitJoined(err) {
			fmt.Fprintf(out, "  - %v\n", problem)
		}
		return exitError(exitValidation, "validation failed")
	}

	fmt.Fprintf(out, "%s: ok (%d schedule(s))\n", path, len(cfg.Schedules))
	return nil
}

// splitJoined unwraps an errors.Join result into its parts.
func splitJoined(err error) []error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}
