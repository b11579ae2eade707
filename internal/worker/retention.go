package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ccgw/ccgw/internal/config"
)

const retentionCheckInterval = 1 * time.Hour

// RetentionStore is the persistence interface consumed by RetentionWorker.
type RetentionStore interface {
	DeleteRequestLogsOlderThan(ctx context.Context, cutoff string) (int64, error)
}

// RetentionSettings supplies the current retention window. Read on every
// tick so a config reload takes effect without restarting the worker.
type RetentionSettings interface {
	LogRetentionDays() int
}

// ConfigRetentionSettings adapts *config.Store to RetentionSettings.
type ConfigRetentionSettings struct {
	Config *config.Store
}

// LogRetentionDays returns the current configured retention window.
func (c ConfigRetentionSettings) LogRetentionDays() int {
	return c.Config.Get().Settings.LogRetentionDays
}

// RetentionWorker periodically deletes request logs (and, via cascade,
// their stored payloads) older than the configured retention window. It
// runs alongside the on-demand POST /api/logs/cleanup admin endpoint,
// which calls the same store method directly for an operator-triggered run.
type RetentionWorker struct {
	store    RetentionStore
	settings RetentionSettings
}

// NewRetentionWorker creates a RetentionWorker backed by store, reading the
// retention window from settings on each tick.
func NewRetentionWorker(store RetentionStore, settings RetentionSettings) *RetentionWorker {
	return &RetentionWorker{store: store, settings: settings}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run deletes expired request logs on a periodic schedule until ctx is
// cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	days := w.settings.LogRetentionDays()
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	n, err := w.store.DeleteRequestLogsOlderThan(ctx, cutoff)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention cleanup failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("retention cleanup completed", "deleted", n, "cutoff", cutoff)
	}
}
