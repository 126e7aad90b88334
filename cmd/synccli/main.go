// Package main is the command-line client of the sync engine. Every command
// assembles the engine from the config file, runs one operation with
// auto-sync disabled and prints the outcome as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "synccli",
		Short:         "Offline-first sync engine client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelWarn
			if flags.Verbose {
				level = logging.LevelDebug
			}
			logging.SetOutput(errOut, level)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to the YAML config")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(
		newStatusCmd(flags),
		newSyncCmd(flags),
		newPullCmd(flags),
		newPendingCmd(flags),
		newItemsCmd(flags),
		newSaveCmd(flags),
		newDeleteCmd(flags),
	)
	return root
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, flags *GlobalFlags, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.Build(ctx, cfg, app.Options{DisableAutoSync: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints res and turns failed, partial and offline outcomes into
// a non-zero exit.
func printResult(cmd *cobra.Command, res *sync.Result) error {
	if err := printJSON(cmd, res); err != nil {
		return err
	}
	switch res.Status() {
	case sync.StatusSuccess, sync.StatusNoChanges:
		return nil
	}
	return fmt.Errorf("operation finished with status %s", res.Status())
}

func newStatusCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending changes and the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd, map[string]interface{}{
					"status": a.Engine.CurrentStatus(),
					"models": a.Engine.RegisteredModelTypes(),
				})
			})
		},
	}
}

func newSyncCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [type]",
		Short: "Push pending changes of every type, or of one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					return printResult(cmd, a.Engine.SyncByModelType(ctx, args[0]))
				}
				return printResult(cmd, a.Engine.SyncAllPending(ctx))
			})
		},
	}
}

func newPullCmd(flags *GlobalFlags) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "pull <type>",
		Short: "Fetch remote changes of a type and merge them locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sinceTime *time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				sinceTime = &t
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				return printResult(cmd, a.Engine.PullFromServer(ctx, args[0], sinceTime))
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only changes after this RFC3339 time (default: last sync)")
	return cmd
}

func newPendingCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List local records waiting to reach the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				out := make(map[string][]map[string]interface{})
				for _, modelType := range a.Engine.RegisteredModelTypes() {
					items, err := a.Storage.GetPending(ctx, modelType)
					if err != nil {
						return err
					}
					if len(items) == 0 {
						continue
					}
					rows := make([]map[string]interface{}, 0, len(items))
					for _, item := range items {
						rows = append(rows, pendingRow(item))
					}
					out[modelType] = rows
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func pendingRow(item models.SyncModel) map[string]interface{} {
	row := map[string]interface{}{
		"local_id":            item.LocalID(),
		"id":                  item.ID(),
		"marked_for_deletion": item.IsMarkedForDeletion(),
		"changed_fields":      item.ChangedFields().Fields(),
		"sync_attempts":       item.SyncAttempts(),
	}
	if msg := item.SyncError(); msg != "" {
		row["sync_error"] = msg
	}
	return row
}

func newItemsCmd(flags *GlobalFlags) *cobra.Command {
	var (
		strategy string
		force    bool
		where    []string
	)
	cmd := &cobra.Command{
		Use:   "items <type>",
		Short: "Read records of a type using a fetch strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := sync.FetchRequest{ForceRefresh: force}
			if strategy != "" {
				s, err := models.ParseFetchStrategy(strategy)
				if err != nil {
					return err
				}
				req.Strategy = s
			}
			query, err := parseAssignments(where)
			if err != nil {
				return err
			}
			req.Query = query
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				return printResult(cmd, a.Engine.FetchItems(ctx, args[0], req))
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "local_only, remote_first, local_with_remote_fallback or background_sync")
	cmd.Flags().BoolVar(&force, "force", false, "refresh from the remote store even when local data exists")
	cmd.Flags().StringArrayVar(&where, "where", nil, "field=value filter; also orderBy, descending, limit, offset")
	return cmd
}

func newSaveCmd(flags *GlobalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "save <type> field=value...",
		Short: "Create or update a record and sync it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				item, err := recordFor(ctx, a, args[0], id)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(fields))
				for k := range fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					item.Set(k, fields[k])
				}
				return printResult(cmd, a.Engine.SyncItem(ctx, item))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "remote id of an existing record to update")
	return cmd
}

// recordFor loads the stored record with id, or starts a new one.
func recordFor(ctx context.Context, a *app.App, modelType, id string) (*models.Record, error) {
	desc, ok := a.Registry.Lookup(modelType)
	if !ok {
		return nil, models.FactoryMissing(modelType)
	}
	if id == "" {
		return models.NewRecord(modelType, desc.Endpoint, nil), nil
	}
	stored, err := a.Storage.Get(ctx, id, modelType)
	if err != nil {
		return nil, err
	}
	rec, ok := stored.(*models.Record)
	if !ok {
		return nil, fmt.Errorf("%s %s is not a record", modelType, id)
	}
	return rec, nil
}

func newDeleteCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a record locally and remotely",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				item, err := a.Storage.Get(ctx, args[1], args[0])
				if err != nil {
					return err
				}
				return printResult(cmd, a.Engine.DeleteItem(ctx, item))
			})
		},
	}
}

// parseAssignments parses field=value pairs. Values that are valid JSON
// (numbers, booleans, null, quoted strings) are decoded; anything else is
// kept as a string.
func parseAssignments(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected field=value, got %q", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
