package audit

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/helmsman-ai/orchestrator/internal/errs"
	"github.com/helmsman-ai/orchestrator/internal/metrics"
)

// ScopedOperation runs op bracketed by audit entries: a start entry, and on
// every exit path exactly one terminal entry (end with duration, or the error
// with its classification and stack on failure). Audit write failures on the
// bracketing entries do not mask op's own result.
func ScopedOperation(ctx context.Context, sink Sink, action, category string, actors Actors, op func(ctx context.Context) error) (err error) {
	start := time.Now()

	if _, werr := sink.Record(ctx, Entry{
		Kind:     KindProcessing,
		Severity: SeverityDebug,
		Actors:   actors,
		Action:   action + ".start",
		Category: category,
	}); werr != nil {
		return fmt.Errorf("audit scoped start %s: %w", action, werr)
	}

	defer func() {
		elapsed := time.Since(start)
		status := "completed"
		terminal := Entry{
			Kind:     KindProcessing,
			Severity: SeverityDebug,
			Actors:   actors,
			Action:   action + ".end",
			Category: category,
			Payload:  Payload{DurationMS: float64(elapsed.Milliseconds())},
		}

		if r := recover(); r != nil {
			status = "panicked"
			terminal.Kind = KindError
			terminal.Severity = SeverityCritical
			terminal.Action = action + ".panic"
			terminal.Payload.Failure = &FailurePayload{
				ErrorType: "panic",
				Message:   fmt.Sprint(r),
				Stack:     string(debug.Stack()),
				Operation: action,
			}
			_, _ = sink.Record(ctx, terminal)
			metrics.ScopedOperationDuration.WithLabelValues(category, status).Observe(elapsed.Seconds())
			panic(r)
		}

		if err != nil {
			status = "failed"
			terminal.Kind = KindError
			terminal.Severity = SeverityError
			terminal.Action = action + ".error"
			terminal.Payload.Failure = &FailurePayload{
				ErrorType: errs.KindOf(err).String(),
				Message:   err.Error(),
				Operation: action,
			}
		}
		_, _ = sink.Record(ctx, terminal)
		metrics.ScopedOperationDuration.WithLabelValues(category, status).Observe(elapsed.Seconds())
	}()

	err = op(ctx)
	return err
}
