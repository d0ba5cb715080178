package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/kubeploy/internal/app/migrate"
	"github.com/splax/kubeploy/pkg/config"
	"github.com/splax/kubeploy/pkg/logger"
)

var (
	migrateTimeout time.Duration
	migrateTarget  int64
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|status",
	Short:     "Manage the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", time.Minute, "command timeout")
	migrateCmd.Flags().Int64Var(&migrateTarget, "target", 0, "target version for down (optional)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.LoadServerConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	defer runner.Close()

	switch args[0] {
	case "up":
		return runner.Up(ctx)
	case "down":
		return runner.Down(ctx, migrateTarget)
	default:
		migrations, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
		for _, m := range migrations {
			state, at := "pending", "-"
			if m.Applied {
				state, at = "applied", m.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", m.Version, state, at, m.Path)
		}
		return tw.Flush()
	}
}
