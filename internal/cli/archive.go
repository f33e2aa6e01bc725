package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/controltower/internal/core/worker"
	"github.com/vietddude/controltower/internal/infra/storage/postgres"
)

var olderThan time.Duration

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move terminal messages older than a cutoff into the archive table",
	Run:   runArchive,
}

func init() {
	archiveCmd.Flags().DurationVar(&olderThan, "older-than", 0, "archive terminal messages last updated before now minus this (default archive.retention)")
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("archive requires database.url")
		os.Exit(1)
	}

	retention := olderThan
	if retention <= 0 {
		retention = cfg.Archive.Retention
	}
	if retention <= 0 {
		fmt.Println("Nothing to do: set --older-than or archive.retention")
		return
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

	archiver := worker.NewArchiver(
		retention,
		cfg.Archive.Interval,
		cfg.Archive.BatchSize,
		postgres.NewMessageRepo(db),
		postgres.NewArchiveRepo(db),
	)
	moved := archiver.RunOnce(ctx)
	fmt.Printf("Archived %d messages older than %s\n", moved, retention)
}
