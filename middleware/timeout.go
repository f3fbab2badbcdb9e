package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailforge/dispatch/job"
)

// Timeout returns middleware that bounds dispatch execution to d. When the
// deadline is exceeded the context is cancelled and the handler should
// return context.DeadlineExceeded.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("dispatch timeout set",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
