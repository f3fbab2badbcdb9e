// Package middleware provides composable middleware for wrapping a single
// dispatch attempt.
//
// A [Middleware] is a function that wraps a dispatch handler. Middleware are
// composed into a chain using [Chain] and applied before each provider
// dispatch. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// recover → logging → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job id, template, provider, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — bounds dispatch execution to a fixed duration
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-dispatch duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
