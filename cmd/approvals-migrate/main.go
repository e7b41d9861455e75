package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/app"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/migrations"
)

var rootCmd = &cobra.Command{
	Use:           "approvals-migrate",
	Short:         "Operator tasks for the approvals service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})
	return cfg, log, nil
}

func dsn(cmd *cobra.Command) (string, error) {
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		return db, nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN(), nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		connStr, err := dsn(cmd)
		if err != nil {
			return err
		}
		if err := migrations.Up(connStr); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		connStr, err := dsn(cmd)
		if err != nil {
			return err
		}
		steps, _ := cmd.Flags().GetInt("steps")
		if err := migrations.Down(connStr, steps); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the approval template catalog",
}

var catalogLoadCmd = &cobra.Command{
	Use:   "load [path]",
	Short: "Publish changed templates from a catalog file or directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Catalog.Path = args[0]
		}
		if cfg.Catalog.Path == "" {
			return fmt.Errorf("catalog path is required")
		}

		a, err := app.New(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.LoadCatalog(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "published: %d, unchanged: %d, failed: %d\n", len(res.Published), len(res.Unchanged), len(res.Failed))
		codes := make([]string, 0, len(res.Failed))
		for code := range res.Failed {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(out, "  %s: %v\n", code, res.Failed[code])
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d template(s) failed", len(res.Failed))
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Operate on approval tasks",
}

var tasksExpireCmd = &cobra.Command{
	Use:   "expire <task-id>",
	Short: "Move an overdue serial task to its next fallback candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		actor, _ := cmd.Flags().GetString("actor")
		res, err := a.Dispatcher.Expire(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s expired; reassigned to %s as task %s\n",
			res.Expired.ID, res.Next.AssigneeID, res.Next.ID)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "path to the YAML configuration file")
	migrateCmd.PersistentFlags().String("db", "", "Database connection string (defaults to the configured database)")
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
	tasksExpireCmd.Flags().String("actor", "system", "actor recorded on the EXPIRE audit entry")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	catalogCmd.AddCommand(catalogLoadCmd)
	tasksCmd.AddCommand(tasksExpireCmd)
	rootCmd.AddCommand(migrateCmd, catalogCmd, tasksCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
