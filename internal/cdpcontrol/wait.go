package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// WaitResult describes how a condition wait ended.
type WaitResult struct {
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Met      bool          `json:"met"`
}

// WaitFor evaluates predicate every interval until it returns true or timeout
// elapses. The first check runs immediately and every check is bounded by the
// wait deadline. EVAL_FAILURE and EVAL_TIMEOUT from a check count as "not yet"
// (the page may be mid-navigation); any other evaluation error ends the wait.
// Running out of time returns WAIT_TIMEOUT wrapping the last check error.
func WaitFor(ctx context.Context, ev Evaluator, predicate string, interval, timeout time.Duration) (WaitResult, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		res     WaitResult
		lastErr error
	)
	timedOut := func() (WaitResult, error) {
		res.Elapsed = time.Since(start)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		return res, newError(CodeWaitTimeout, "condition not met after "+timeout.String(), lastErr)
	}

	for {
		res.Attempts++
		raw, err := ev.Evaluate(waitCtx, predicate, true)
		switch {
		case waitCtx.Err() != nil:
			if err != nil {
				lastErr = err
			}
			return timedOut()
		case err != nil:
			if !isTransientEvalError(err) {
				res.Elapsed = time.Since(start)
				return res, err
			}
			lastErr = err
			slog.Debug("cdpcontrol wait check failed, retrying", "attempt", res.Attempts, "error", err)
		default:
			var ok bool
			if err := json.Unmarshal(raw, &ok); err != nil {
				res.Elapsed = time.Since(start)
				return res, newError(CodeEvalFailure, "wait predicate did not return a boolean", err)
			}
			if ok {
				res.Met = true
				res.Elapsed = time.Since(start)
				slog.Debug("cdpcontrol wait condition met", "attempts", res.Attempts, "elapsed_ms", res.Elapsed.Milliseconds())
				return res, nil
			}
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return timedOut()
		}
	}
}

func isTransientEvalError(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == CodeEvalFailure || coded.Code == CodeEvalTimeout
}

// Sleep pauses for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
