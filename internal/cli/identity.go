package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon-go/internal/storage"
)

// IdentityResult is the `identity show` output payload.
type IdentityResult struct {
	VisitorID    string `json:"visitorId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	LastActivity string `json:"lastActivity,omitempty"`
}

// NewIdentityCommand creates the identity command group.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or reset the persisted visitor identity",
	}
	cmd.AddCommand(newIdentityShowCommand(rootOpts))
	cmd.AddCommand(newIdentityResetCommand(rootOpts))
	return cmd
}

func newIdentityShowCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "show",
		Short:         "Show the persisted visitor and session identifiers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityShow(rootOpts, dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the state database (required)")
	cmd.MarkFlagRequired("db")
	return cmd
}

func runIdentityShow(opts *RootOptions, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer store.Close()

	values, err := store.GetMulti(context.Background(),
		storage.KeyVisitorID,
		storage.KeySessionID,
		storage.KeySessionLastActivity,
	)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read identity", err)
	}

	result := IdentityResult{
		VisitorID: values[storage.KeyVisitorID],
		SessionID: values[storage.KeySessionID],
	}
	if raw := values[storage.KeySessionLastActivity]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			result.LastActivity = time.UnixMilli(ms).UTC().Format(time.RFC3339)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	if result.VisitorID == "" {
		fmt.Fprintln(formatter.Writer, "No identity persisted")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "Visitor:       %s\n", result.VisitorID)
	fmt.Fprintf(formatter.Writer, "Session:       %s\n", result.SessionID)
	if result.LastActivity != "" {
		fmt.Fprintf(formatter.Writer, "Last activity: %s\n", result.LastActivity)
	}
	return nil
}

func newIdentityResetCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the persisted identity",
		Long: `Delete the persisted visitor and session identifiers.

The SDK generates a fresh visitor id on its next startup. Queued events
are not touched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentityReset(rootOpts, dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the state database (required)")
	cmd.MarkFlagRequired("db")
	return cmd
}

func runIdentityReset(opts *RootOptions, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{
		storage.KeyVisitorID,
		storage.KeySessionID,
		storage.KeySessionLastActivity,
	} {
		if err := store.Delete(ctx, key); err != nil {
			_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
			return WrapExitError(ExitCommandError, "delete identity", err)
		}
	}

	return formatter.Success("Identity reset")
}
