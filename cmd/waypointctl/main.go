// waypointctl runs operational tasks against a Waypoint deployment:
// migrations, catalog rebuilds, and ghost record cleanup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"waypoint/api/internal/app"
	"waypoint/api/internal/catalog"
	"waypoint/api/internal/checkpoint"
	"waypoint/api/internal/config"
	"waypoint/api/internal/events"
	"waypoint/api/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "waypointctl",
		Short:         "Waypoint operational tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newRebuildCatalogCommand())
	cmd.AddCommand(newPurgeGhostsCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := cmd.Context()

			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newRebuildCatalogCommand() *cobra.Command {
	var sites []string
	var fresh bool

	cmd := &cobra.Command{
		Use:   "rebuild-catalog",
		Short: "Re-index completion records into the search catalog",
		Long: `Re-index completion records into the search catalog.

The rebuild checkpoints visited records in Redis, so a rerun after an
interruption skips records indexed on the previous pass. Use --fresh to
discard the checkpoint and index every record again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, seen, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if fresh {
				if clearer, ok := seen.(interface{ Clear(context.Context) error }); ok {
					if err := clearer.Clear(cmd.Context()); err != nil {
						return fmt.Errorf("clear rebuild checkpoint: %w", err)
					}
				}
			}

			result, err := service.RebuildCatalog(cmd.Context(), sites)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	cmd.Flags().StringSliceVar(&sites, "site", nil, "site to rebuild (repeatable, default all)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "discard the rebuild checkpoint first")
	return cmd
}

func newPurgeGhostsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-ghosts",
		Short: "Remove completion records owned by deleted users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, _, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.PurgeGhostRecords(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

// buildService wires the same stack the API server runs on, minus the
// HTTP surface. The returned cleanup closes every opened connection.
func buildService(ctx context.Context) (*app.Service, func(), catalog.SeenSet, error) {
	cfg := config.Load()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	closers = append(closers, func() { db.Close() })

	dataStore := store.NewPostgresStore(db)
	pgCatalog := catalog.NewPgCatalog(db)

	var cat *catalog.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := catalog.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		closers = append(closers, meiliClient.Close)
		cat = catalog.NewService(meiliClient, meiliClient, pgCatalog)
	} else {
		cat = catalog.NewService(nil, nil, pgCatalog)
	}

	var seen catalog.SeenSet
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSeen, err := checkpoint.NewRedisSet(cfg.RedisURL, "catalog", 24*time.Hour)
		if err != nil {
			log.Printf("WARNING: redis unavailable, rebuild checkpoints are in-memory: %v", err)
			seen = checkpoint.NewMemorySet()
		} else {
			closers = append(closers, func() { redisSeen.Close() })
			seen = redisSeen
		}
	} else {
		seen = checkpoint.NewMemorySet()
	}

	service := app.NewService(dataStore, cat, events.NewBus(), seen,
		[]byte(cfg.TokenSecret), cfg.AccessTTL, cfg.Sites)
	return service, cleanup, seen, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
