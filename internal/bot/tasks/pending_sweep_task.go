package tasks

import (
	"context"
	"fmt"
	"time"
)

// newPendingSweepTask creates the task that reclaims stalled messages and
// drains the pending backlog. It is the safety net behind the inline
// processing on update arrival: anything a worker dropped gets another run
// here.
func newPendingSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "pending_sweep")

	return func(ctx context.Context) error {
		startTime := time.Now()

		reset, exhausted, err := deps.Coordinator.ReclaimStalled(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Stalled reclamation failed", "error", err)
			return fmt.Errorf("stalled reclamation failed: %w", err)
		}
		if reset > 0 || exhausted > 0 {
			log.InfoContext(ctx, "Reclaimed stalled messages", "reset", reset, "exhausted", exhausted)
		}

		processed, err := deps.Coordinator.ProcessPending(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Pending sweep failed", "error", err, "processed", processed)
			return fmt.Errorf("pending sweep failed: %w", err)
		}

		if processed > 0 {
			log.InfoContext(ctx, "Pending sweep completed",
				"processed", processed, "duration", time.Since(startTime))
		}
		return nil
	}
}
