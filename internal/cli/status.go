package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current delivery backlog per channel",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if cfg.Database.URL == "" {
		slog.Error("status requires a database URL in the config")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	counts, err := postgres.NewDeliveryRepo(db).StatusCounts(ctx)
	if err != nil {
		slog.Error("Failed to read delivery counts", "error", err)
		os.Exit(1)
	}

	channels := make([]string, 0, len(counts))
	for ch := range counts {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	statuses := []domain.Status{
		domain.StatusPending, domain.StatusSent, domain.StatusDelivered,
		domain.StatusFailed, domain.StatusBounced, domain.StatusOpened,
		domain.StatusClicked, domain.StatusUnsubscribed,
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprint(w, "CHANNEL")
	for _, s := range statuses {
		fmt.Fprintf(w, "\t%s", s)
	}
	fmt.Fprintln(w)

	for _, ch := range channels {
		fmt.Fprint(w, ch)
		for _, s := range statuses {
			fmt.Fprintf(w, "\t%d", counts[domain.Channel(ch)][s])
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}
