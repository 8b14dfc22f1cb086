package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/fusegate/fusegate/internal/metrics"
)

// Operation is an asynchronous unit of work guarded by a breaker. The
// context carries the call deadline; implementations should honor it.
type Operation[T any] func(ctx context.Context) (T, error)

type opResult[T any] struct {
	value T
	err   error
}

// Do executes op under the breaker's admission control and call timeout.
//
// A rejected call returns an error wrapping ErrOpen without invoking op
// and without reporting an outcome (rejection must not depress an
// already-open breaker). An admitted call races op against the breaker's
// call timeout: completion before the deadline reports the real outcome;
// a timeout reports a failure and returns an error wrapping
// ErrCallTimeout, and the abandoned operation's late result is discarded.
// Cancellation of the caller's context is a distinct, unreported exit.
// A panic inside op is recovered and reported as a failure.
func Do[T any](ctx context.Context, b *Breaker, op Operation[T]) (T, error) {
	var zero T

	if err := b.Admit(); err != nil {
		metrics.GuardedCalls.WithLabelValues(b.Name(), "rejected").Inc()
		return zero, err
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout())
	defer cancel()

	// Buffered so the operation goroutine never leaks when the result
	// arrives after the timeout fired.
	resultCh := make(chan opResult[T], 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- opResult[T]{err: fmt.Errorf("operation panic: %v", r)}
			}
		}()
		v, err := op(callCtx)
		resultCh <- opResult[T]{value: v, err: err}
	}()

	select {
	case res := <-resultCh:
		elapsed := time.Since(start)
		if res.err != nil {
			b.ReportFailure()
			metrics.GuardedCalls.WithLabelValues(b.Name(), "failure").Inc()
			metrics.CallDuration.WithLabelValues(b.Name()).Observe(elapsed.Seconds())
			return zero, res.err
		}
		b.ReportSuccess()
		metrics.GuardedCalls.WithLabelValues(b.Name(), "success").Inc()
		metrics.CallDuration.WithLabelValues(b.Name()).Observe(elapsed.Seconds())
		return res.value, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// The caller went away. Not an outcome: release the probe
			// slot without recording anything.
			b.Abandon()
			metrics.GuardedCalls.WithLabelValues(b.Name(), "cancelled").Inc()
			return zero, ctx.Err()
		}
		// The call timeout fired first. The operation keeps running in
		// its goroutine, but its eventual result is discarded.
		b.ReportFailure()
		metrics.GuardedCalls.WithLabelValues(b.Name(), "timeout").Inc()
		metrics.CallDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
		return zero, fmt.Errorf("breaker %q: %w", b.Name(), ErrCallTimeout)
	}
}

// DoWithFallback executes op like Do but substitutes fallback for any
// failure outcome (rejection, timeout, or operation error). The breaker
// still learns the real outcome; the fallback only changes what the
// caller sees. Caller cancellation is not a failure and is returned
// unchanged.
func DoWithFallback[T any](ctx context.Context, b *Breaker, op Operation[T], fallback T) (T, error) {
	v, err := Do(ctx, b, op)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return v, err
	}
	metrics.FallbacksServed.WithLabelValues(b.Name()).Inc()
	return fallback, nil
}
