package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeleteOlderThan deletes rows from all tables where the timestamp is before
// the given unix epoch. Returns the total number of deleted rows.
func (d *DB) DeleteOlderThan(before int64) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	var total int64
	// Identifiers can't be placeholders; these come from this fixed list only.
	for _, table := range []string{"battery_samples", "saving_events"} {
		res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), before)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("delete from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// RunCleanup deletes rows older than retention now and then every interval
// until ctx is cancelled.
func (d *DB) RunCleanup(ctx context.Context, retention, interval time.Duration, logger *slog.Logger) {
	clean := func() {
		cutoff := time.Now().Add(-retention).Unix()
		n, err := d.DeleteOlderThan(cutoff)
		if err != nil {
			logger.Error("history cleanup failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("history cleanup", "deleted", n, "before", cutoff)
		}
	}

	clean()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			clean()
		case <-ctx.Done():
			return
		}
	}
}
