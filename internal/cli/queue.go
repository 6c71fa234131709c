package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	beacon "github.com/beaconhq/beacon-go"
	"github.com/beaconhq/beacon-go/internal/queue"
	"github.com/beaconhq/beacon-go/internal/storage"
	"github.com/beaconhq/beacon-go/internal/transport"
)

// QueueEntry is one pending event as shown by `queue list`.
type QueueEntry struct {
	ID         string `json:"id"`
	Endpoint   string `json:"endpoint"`
	EnqueuedAt string `json:"enqueuedAt"`
	RetryCount int    `json:"retryCount"`
	Bytes      int    `json:"bytes"`
}

// QueueListResult is the `queue list` output payload.
type QueueListResult struct {
	Pending int          `json:"pending"`
	Events  []QueueEntry `json:"events"`
}

// DrainResult is the `queue drain` output payload.
type DrainResult struct {
	Delivered int `json:"delivered"`
	Discarded int `json:"discarded"`
	Remaining int `json:"remaining"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline delivery queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDrainCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events waiting in the offline queue",
		Long: `List the events persisted in the offline delivery queue.

Reads the SDK's state database directly; the application does not need
to be running.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(rootOpts, dbPath, cmd)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to the state database (required)")
	cmd.MarkFlagRequired("db")
	return cmd
}

func runQueueList(opts *RootOptions, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	q, closeStore, err := openQueue(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer closeStore()

	events := q.Events()
	result := QueueListResult{Pending: len(events)}
	for _, ev := range events {
		result.Events = append(result.Events, QueueEntry{
			ID:         ev.ID,
			Endpoint:   ev.Endpoint,
			EnqueuedAt: ev.EnqueuedAt.UTC().Format(time.RFC3339),
			RetryCount: ev.RetryCount,
			Bytes:      len(ev.Payload),
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	if result.Pending == 0 {
		fmt.Fprintln(formatter.Writer, "Queue is empty")
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%d pending event(s)\n\n", result.Pending)
	for _, e := range result.Events {
		fmt.Fprintf(formatter.Writer, "  %s  %-28s retries=%d  %dB  %s\n",
			e.EnqueuedAt, e.Endpoint, e.RetryCount, e.Bytes, e.ID)
	}
	return nil
}

func newQueueDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var configPath string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver the queued backlog to the collector",
		Long: `Flush the offline queue against the configured collector.

Batches are retried until the queue is empty or no further progress is
possible. Events that exhaust their retry limit are discarded, matching
the SDK's own delivery policy.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueDrain(rootOpts, configPath, dbPath, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the beacon config file (required)")
	cmd.Flags().StringVar(&dbPath, "db", "", "state database path (defaults to storagePath from the config)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runQueueDrain(opts *RootOptions, configPath, dbPath string, cmd *cobra.Command) error {
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
	if dbPath == "" {
		dbPath = cfg.StoragePath
	}
	if dbPath == "" {
		_ = formatter.Error(ErrCodeConfig, "no state database: set storagePath in the config or pass --db", nil)
		return NewExitError(ExitCommandError, "no state database path")
	}

	// The drain honors the same bounds the SDK itself would apply
	q, closeStore, err := openQueue(dbPath,
		queue.WithMaxSize(cfg.MaxQueueSize),
		queue.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer closeStore()

	senderOpts := []transport.SenderOption{}
	if cfg.AuthHeader {
		senderOpts = append(senderOpts, transport.WithAuthMode(transport.AuthHeader))
	}
	sender := transport.NewHTTPSender(cfg.APIURL, cfg.APIKey, senderOpts...)

	var total DrainResult
	for q.Len() > 0 {
		res := q.FlushBatch(cmd.Context(), sender, queue.DefaultMaxBatch)
		total.Delivered += res.Delivered
		total.Discarded += res.Discarded
		formatter.VerboseLog("batch: attempted=%d delivered=%d retried=%d discarded=%d",
			res.Attempted, res.Delivered, res.Retried, res.Discarded)
		if res.Delivered+res.Discarded == 0 {
			// Collector is rejecting everything; stop instead of spinning
			break
		}
	}
	total.Remaining = q.Len()

	if formatter.Format == "json" {
		if err := formatter.Success(total); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "Delivered %d, discarded %d, %d remaining\n",
			total.Delivered, total.Discarded, total.Remaining)
	}

	if total.Remaining > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) undeliverable", total.Remaining))
	}
	return nil
}

// openQueue opens the state database and loads the persisted queue.
// The returned func closes the database.
func openQueue(dbPath string, opts ...queue.Option) (*queue.Queue, func(), error) {
	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(store, opts...)
	q.Load(context.Background())
	return q, func() { store.Close() }, nil
}

// loadConfig reads and validates a beacon config file.
func loadConfig(path string) (beacon.Config, error) {
	cfg, err := beacon.LoadConfig(path)
	if err != nil {
		return beacon.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return beacon.Config{}, err
	}
	return cfg.WithDefaults(), nil
}
