package harness

import (
	"time"

	"k8s.io/utils/clock"
)

// RetryStrategically evaluates pred up to retryCount times, stopping at the first true result.
// Between attempts it sleeps baseDelay*(1+attempt); it never sleeps after the last attempt. It
// does not fail when the predicate never holds: callers assert on the resulting state themselves.
// The return value reports whether pred succeeded.
func RetryStrategically(pred func() bool, retryCount int, baseDelay time.Duration) bool {
	return RetryStrategicallyWithClock(clock.RealClock{}, pred, retryCount, baseDelay)
}

// RetryStrategicallyWithClock is RetryStrategically with the sleeps taken on clk.
func RetryStrategicallyWithClock(clk clock.Clock, pred func() bool, retryCount int, baseDelay time.Duration) bool {
	for i := 0; i < retryCount; i++ {
		if pred() {
			return true
		}
		if i == retryCount-1 {
			break
		}
		clk.Sleep(baseDelay + baseDelay*time.Duration(i))
	}
	return false
}
