package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show message counts per state and error category",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status requires database.url")
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

	repo := postgres.NewMessageRepo(db)
	states, err := repo.CountByState(ctx)
	if err != nil {
		slog.Error("Failed to count messages", "error", err)
		os.Exit(1)
	}
	categories, err := repo.CountByErrorCategory(ctx)
	if err != nil {
		slog.Error("Failed to count errors", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATE\tMESSAGES")
	for _, s := range domain.AllMessageStates {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, states[s])
	}
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ERROR CATEGORY\tMESSAGES")
	for _, c := range domain.AllCategories {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", c, categories[c])
	}
	_ = w.Flush()
}
