package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/vietddude/herald/internal/infra/storage/postgres"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	Run:   runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if cfg.Database.URL == "" {
		slog.Error("migrate requires a database URL in the config")
		os.Exit(1)
	}

	db, err := postgres.NewDB(context.Background(), cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := goose.SetDialect("postgres"); err != nil {
		slog.Error("Failed to set goose dialect", "error", err)
		os.Exit(1)
	}
	if err := goose.Up(db.DB.DB, migrationsDir); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Migrations applied")
}
