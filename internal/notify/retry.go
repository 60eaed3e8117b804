package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/models"
)

const retryBaseDelay = 50 * time.Millisecond

// persistWithRetry stores a notification, making up to attempts tries with
// exponential backoff. A duplicate is final and returned at once.
func (d *Dispatcher) persistWithRetry(ctx context.Context, n models.Notification) error {
	var lastErr error

	for attempt := 0; attempt < d.attempts; attempt++ {
		err := d.store.InsertNotification(ctx, n)
		if err == nil {
			if attempt > 0 {
				d.logger.Debug("notification stored after retry",
					"attempt", attempt+1,
					"recipient_id", n.RecipientID,
					"sequence", n.EventSequence)
			}
			return nil
		}
		if errors.Is(err, datastore.ErrDuplicate) {
			return err
		}
		lastErr = err

		// no sleep after the last attempt
		if attempt < d.attempts-1 {
			// 50ms, 100ms, 200ms...
			delay := retryBaseDelay * (1 << attempt)
			d.logger.Debug("notification store failed, retrying",
				"attempt", attempt+1,
				"max_attempts", d.attempts,
				"retry_delay", delay,
				"error", err)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	d.logger.Warn("notification store failed after all retries",
		slog.Int("attempts", d.attempts),
		slog.String("recipient_id", n.RecipientID),
		slog.String("project_id", n.ProjectID),
		slog.Int64("sequence", n.EventSequence),
		slog.Any("error", lastErr))
	return lastErr
}
