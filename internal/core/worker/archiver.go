package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/controltower/internal/infra/storage"
	"github.com/vietddude/controltower/internal/telemetry/metrics"
)

// Archiver moves terminal messages older than the retention period from the
// hot store into an archive sink.
type Archiver struct {
	retention time.Duration
	interval  time.Duration
	batchSize int
	messages  storage.MessageRepository
	sink      storage.ArchiveSink
	log       *slog.Logger
	now       func() time.Time
}

// NewArchiver creates a new Archiver worker.
func NewArchiver(
	retention, interval time.Duration,
	batchSize int,
	messages storage.MessageRepository,
	sink storage.ArchiveSink,
) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Archiver{
		retention: retention,
		interval:  interval,
		batchSize: batchSize,
		messages:  messages,
		sink:      sink,
		log:       slog.Default().With("component", "archiver"),
		now:       time.Now,
	}
}

// Start runs the archive loop.
func (a *Archiver) Start(ctx context.Context) {
	if a.retention <= 0 {
		return // Retention disabled
	}

	interval := a.interval
	if interval <= 0 {
		// 10% of retention, between a minute and an hour
		interval = min(a.retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce archives every eligible message, one batch at a time, and returns
// how many were moved.
func (a *Archiver) RunOnce(ctx context.Context) int {
	cutoff := a.now().Add(-a.retention)
	moved := 0

	for ctx.Err() == nil {
		batch, err := a.messages.ListTerminalBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			a.log.Error("Failed to list archivable messages", "error", err)
			break
		}
		if len(batch) == 0 {
			break
		}

		if err := a.sink.Archive(ctx, batch); err != nil {
			a.log.Error("Failed to archive messages", "count", len(batch), "error", err)
			break
		}

		ids := make([]string, len(batch))
		for i, m := range batch {
			ids[i] = m.TraceID
		}
		if err := a.messages.Delete(ctx, ids); err != nil {
			a.log.Error("Failed to delete archived messages", "count", len(ids), "error", err)
			break
		}
		moved += len(batch)
		metrics.MessagesArchived.Add(float64(len(batch)))

		if len(batch) < a.batchSize {
			break
		}
	}

	if moved > 0 {
		a.log.Info("Archived messages", "count", moved, "cutoff", cutoff)
	}
	return moved
}
