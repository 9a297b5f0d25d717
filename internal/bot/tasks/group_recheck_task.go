package tasks

import (
	"context"
	"fmt"
)

// newGroupRecheckTask creates the task that drains the media group re-check
// queue. Captionless group members enqueue themselves when no sync source is
// available yet; this task retries them once a source may have arrived.
func newGroupRecheckTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "group_recheck")

	return func(ctx context.Context) error {
		report, err := deps.Syncer.ProcessDueRechecks(ctx, deps.Config.Processing.PendingBatchSize)
		if err != nil {
			log.ErrorContext(ctx, "Group re-check sweep failed", "error", err)
			return fmt.Errorf("group re-check sweep failed: %w", err)
		}

		if report.Due > 0 {
			log.InfoContext(ctx, "Group re-check sweep completed",
				"due", report.Due, "synced", report.Synced,
				"deferred", report.Deferred, "abandoned", report.Abandoned,
				"errors", report.Errors)
		}
		return nil
	}
}
