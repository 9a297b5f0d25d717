package tasks

import (
	"context"
	"fmt"
	"time"
)

// newStorageValidationTask creates the task that verifies stored objects
// still exist in the bucket and re-downloads anything flagged for recovery.
func newStorageValidationTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "storage_validation")

	return func(ctx context.Context) error {
		startTime := time.Now()
		limit := deps.Config.Processing.PendingBatchSize

		validated, err := deps.Acquirer.ValidateStored(ctx, limit)
		if err != nil {
			log.ErrorContext(ctx, "Storage validation failed", "error", err)
			return fmt.Errorf("storage validation failed: %w", err)
		}

		recovered, err := deps.Acquirer.Redownload(ctx, limit)
		if err != nil {
			log.ErrorContext(ctx, "Redownload pass failed", "error", err)
			return fmt.Errorf("redownload pass failed: %w", err)
		}

		log.InfoContext(ctx, "Storage validation completed",
			"checked", validated.Checked, "flagged", validated.Flagged,
			"reacquired", recovered.Reacquired, "errors", validated.Errors+recovered.Errors,
			"duration", time.Since(startTime))
		return nil
	}
}
