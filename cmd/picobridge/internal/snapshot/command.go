package snapshot

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal"
	"github.com/tinyland-inc/picobridge/pkg/correlation"
)

type options struct {
	configPath string
	dsn        string
}

func NewSnapshotCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or prune the correlation snapshot offline",
		Example: `  picobridge snapshot inspect
  picobridge snapshot inspect --dsn sqlite:///var/lib/picobridge/correlations.db --limit 20
  picobridge snapshot evict --older-than 48h`,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Config file (default: ~/.picobridge/config.json)")
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "",
		"Snapshot location, overrides storage.path from the config")

	cmd.AddCommand(newInspectCommand(&opts), newEvictCommand(&opts))
	return cmd
}

func newInspectCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored correlations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), opts, 0)
			if err != nil {
				return err
			}
			defer store.Close()
			printEntries(cmd.OutOrStdout(), store.Entries(), limit)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to list (0 for all)")
	return cmd
}

func newEvictCommand(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove expired correlations and rewrite the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), opts, olderThan)
			if err != nil {
				return err
			}
			defer store.Close()
			evicted := store.EvictExpired(time.Now())
			if err := store.Snapshot(cmd.Context()); err != nil {
				return fmt.Errorf("writing snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d entries, %d remaining\n", evicted, store.Len())
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0,
		"Retention to apply (default: storage.retention from the config)")
	return cmd
}

// openStore loads the snapshot strictly, so a corrupt file is reported
// rather than silently treated as empty.
func openStore(ctx context.Context, opts *options, retention time.Duration) (*correlation.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := internal.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	dsn := opts.dsn
	if dsn == "" {
		if cfg.Storage.CacheOnly {
			return nil, fmt.Errorf("storage is cache-only, pass --dsn to inspect a snapshot")
		}
		dsn = cfg.Storage.DSN()
	}
	if retention <= 0 {
		retention = cfg.Storage.RetentionDuration()
	}

	backend, err := correlation.OpenBackend(dsn)
	if err != nil {
		return nil, err
	}
	store := correlation.NewStore(
		correlation.WithBackend(backend),
		correlation.WithRetention(retention),
		correlation.WithStrictLoad(true),
	)
	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printEntries(w io.Writer, entries []correlation.Entry, limit int) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	fmt.Fprintf(w, "%d correlations\n", len(entries))
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "oldest %s, newest %s\n\n",
		entries[0].CreatedAt.Format(time.RFC3339),
		entries[len(entries)-1].CreatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tORIGIN\tMIRRORS")
	for i, e := range entries {
		if limit > 0 && i >= limit {
			fmt.Fprintf(tw, "...\t%d more\t\n", len(entries)-limit)
			break
		}
		mirrors := make([]string, 0, len(e.Mirrors))
		for _, m := range e.Mirrors {
			mirrors = append(mirrors, m.Key())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Origin.Key(), strings.Join(mirrors, " "))
	}
	tw.Flush()
}
