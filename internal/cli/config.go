package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	beacon "github.com/beaconhq/beacon-go"
)

// ConfigCheckResult is the `config check` output payload.
type ConfigCheckResult struct {
	Valid          bool   `json:"valid"`
	APIURL         string `json:"apiUrl,omitempty"`
	StoragePath    string `json:"storagePath,omitempty"`
	FlushInterval  string `json:"flushInterval,omitempty"`
	SessionTimeout string `json:"sessionTimeout,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with beacon config files",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <config-file>",
		Short: "Validate a config file and show its effective settings",
		Long: `Parse a beacon config file, validate the required fields, and print the
effective settings after defaults are applied.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runConfigCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := beacon.LoadConfig(path)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return NewExitError(ExitFailure, err.Error())
	}
	cfg = cfg.WithDefaults()

	result := ConfigCheckResult{
		Valid:          true,
		APIURL:         cfg.APIURL,
		StoragePath:    cfg.StoragePath,
		FlushInterval:  cfg.FlushInterval.String(),
		SessionTimeout: cfg.SessionTimeout.String(),
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintf(formatter.Writer, "  collector:       %s\n", result.APIURL)
	if result.StoragePath != "" {
		fmt.Fprintf(formatter.Writer, "  storage:         %s\n", result.StoragePath)
	} else {
		fmt.Fprintln(formatter.Writer, "  storage:         in-memory (no storagePath)")
	}
	fmt.Fprintf(formatter.Writer, "  flush interval:  %s\n", result.FlushInterval)
	fmt.Fprintf(formatter.Writer, "  session timeout: %s\n", result.SessionTimeout)
	return nil
}
