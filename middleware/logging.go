package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailforge/dispatch/job"
)

// Logging returns middleware that logs dispatch start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("dispatch started",
			slog.String("job_id", j.ID.String()),
			slog.String("template_name", j.TemplateName),
			slog.String("provider", string(j.Provider)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("dispatch failed",
				slog.String("job_id", j.ID.String()),
				slog.String("template_name", j.TemplateName),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("dispatch completed",
				slog.String("job_id", j.ID.String()),
				slog.String("template_name", j.TemplateName),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
