package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/fundi/internal/broker"
)

// dispatch executes one step's tool calls with bounded concurrency. Results
// land in the calls slice itself, so response order always matches the
// order the model issued the calls regardless of completion order.
//
// The unavailable count reports how many calls failed because the sandbox
// cannot execute anything; err carries the first run-fatal error
// (cancellation or a bridge transport failure).
func (l *Loop) dispatch(ctx context.Context, calls []*ToolCall) (unavailable int, err error) {
	sem := make(chan struct{}, l.cfg.Concurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error

	for i := range calls {
		call := calls[i]
		if call.Status == StatusFailed {
			// Pre-failed (unknown tool name); nothing to run.
			continue
		}

		// A cancelled step stops issuing new dispatches; the remaining
		// calls fail without ever starting. The recheck after acquiring
		// the semaphore closes the window where a slot frees up at the
		// same moment the run is cancelled.
		acquired := false
		select {
		case sem <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			if acquired {
				<-sem
			}
			abandon(ctx, call, &mu, &firstErr)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			_ = call.advance(StatusRunning)
			start := time.Now()
			output, isError, execErr := l.executorFor(call.Kind).Execute(ctx, call)
			call.Duration = time.Since(start)

			if execErr != nil {
				var unavailErr *broker.UnavailableError
				switch {
				case errors.As(execErr, &unavailErr):
					mu.Lock()
					unavailable++
					mu.Unlock()
					call.fail("Error: " + execErr.Error())
				default:
					mu.Lock()
					if firstErr == nil {
						firstErr = execErr
					}
					mu.Unlock()
					call.fail("Error: " + execErr.Error())
				}
			} else {
				call.Output = output
				call.IsError = isError
				_ = call.advance(StatusCompleted)
			}

			if m := l.obs.MetricsOrNil(); m != nil {
				status := "ok"
				if call.IsError {
					status = "error"
				}
				m.ToolCallsTotal.WithLabelValues(string(call.Kind), status).Inc()
				m.ToolCallDuration.WithLabelValues(string(call.Kind)).Observe(call.Duration.Seconds())
			}
		}()
	}

	wg.Wait()
	return unavailable, firstErr
}

// abandon fails a call that was never dispatched because the step was
// cancelled.
func abandon(ctx context.Context, call *ToolCall, mu *sync.Mutex, firstErr *error) {
	mu.Lock()
	if *firstErr == nil {
		*firstErr = ctx.Err()
	}
	mu.Unlock()
	call.fail("Error: run cancelled before dispatch")
}
