package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon-go/internal/ident"
	"github.com/beaconhq/beacon-go/internal/storage"
	"github.com/beaconhq/beacon-go/internal/transport"
)

// SendResult is the `send` output payload.
type SendResult struct {
	Delivered bool   `json:"delivered"`
	Endpoint  string `json:"endpoint"`
	VisitorID string `json:"visitorId"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	var configPath string
	var props []string

	cmd := &cobra.Command{
		Use:   "send <event-name>",
		Short: "Send a single event to the collector",
		Long: `Send one custom event to the configured collector and report the outcome.

Useful as a connectivity smoke test: unlike the SDK, a failed send is
reported immediately instead of being queued for retry. The event carries
the visitor identity persisted in the config's storagePath, or a one-off
identity when no storage is configured.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(rootOpts, configPath, args[0], props, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the beacon config file (required)")
	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "event property as key=value (repeatable)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runSend(opts *RootOptions, configPath, name string, props []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load config", err)
	}

	properties, err := parseProps(props)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "parse properties", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Use the persisted identity when the config has durable storage, so
	// the smoke-test event attributes to the same visitor as the app.
	var kv storage.KV
	if cfg.StoragePath != "" {
		store, err := storage.Open(cfg.StoragePath)
		if err != nil {
			_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
			return WrapExitError(ExitCommandError, "open state database", err)
		}
		defer store.Close()
		kv = store
	} else {
		kv = storage.NewMemory()
	}

	identity := ident.New(kv)
	identity.Initialize(ctx, cfg.SessionTimeout)
	formatter.VerboseLog("visitor %s", identity.VisitorID())

	payload, err := json.Marshal(map[string]any{
		"visitorId": identity.VisitorID(),
		"sessionId": identity.SessionID(ctx, cfg.SessionTimeout),
		"name":      name,
		"properties": func() map[string]any {
			if len(properties) == 0 {
				return nil
			}
			return properties
		}(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "marshal event", err)
	}

	senderOpts := []transport.SenderOption{}
	if cfg.AuthHeader {
		senderOpts = append(senderOpts, transport.WithAuthMode(transport.AuthHeader))
	}
	sender := transport.NewHTTPSender(cfg.APIURL, cfg.APIKey, senderOpts...)

	result := SendResult{
		Delivered: sender.AttemptSend(ctx, transport.EndpointEvent, payload),
		Endpoint:  transport.EndpointEvent,
		VisitorID: identity.VisitorID(),
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else if result.Delivered {
		fmt.Fprintf(formatter.Writer, "Delivered %q to %s\n", name, cfg.APIURL)
	}

	if !result.Delivered {
		if formatter.Format != "json" {
			_ = formatter.Error(ErrCodeNetwork, fmt.Sprintf("collector at %s rejected the event", cfg.APIURL), nil)
		}
		return NewExitError(ExitFailure, "send failed")
	}
	return nil
}

// parseProps converts key=value flags into an event property map.
func parseProps(props []string) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for _, p := range props {
		key, value, found := strings.Cut(p, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid property %q: expected key=value", p)
		}
		out[key] = value
	}
	return out, nil
}
