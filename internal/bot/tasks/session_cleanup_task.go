package tasks

import (
	"context"
	"fmt"
	"time"
)

// newSessionCleanupTask creates the task that deletes expired cooldowns and pauses.
func newSessionCleanupTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "session_cleanup")
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return func(ctx context.Context) error {
		n, err := deps.Store.DeleteExpiredSessions(ctx, now())
		if err != nil {
			log.ErrorContext(ctx, "Session cleanup failed", "error", err)
			return fmt.Errorf("session cleanup failed: %w", err)
		}
		if n > 0 {
			log.InfoContext(ctx, "Expired sessions removed", "count", n)
		} else {
			log.DebugContext(ctx, "No expired sessions")
		}
		return nil
	}
}
