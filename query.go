package fleet

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Query runs fn on exec and waits at most timeout for its result. The
// second return value is false when exec refused the work or the deadline
// passed first. A late result is discarded; fn is never cancelled.
func Query[T any](clk clock.Clock, exec Executor, timeout time.Duration, fn func() T) (T, bool) {
	var zero T

	// buffered so a late responder never blocks
	result := make(chan T, 1)
	if !exec.Post(func() { result <- fn() }) {
		return zero, false
	}

	timer := clk.Timer(timeout)
	defer timer.Stop()

	select {
	case v := <-result:
		return v, true
	case <-timer.C:
		return zero, false
	}
}
