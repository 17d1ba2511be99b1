package weather

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// Source is the capability the engine consumes for weather input. An
// implementation fetches hourly records for the forecast horizon; hours a
// source cannot provide are simply absent from the returned slice.
type Source interface {
	Name() string
	FetchHourly(ctx context.Context, start time.Time, hours int) ([]SourceRecord, error)
}

// Health accounting: a source with this many consecutive failures is
// skipped, then given one retry per cooldown window until a fetch succeeds.
const (
	maxConsecutiveFailures = 5
	unhealthyCooldown      = 30 * time.Minute
)

// trackedSource wraps a Source with health accounting and bounded retries
type trackedSource struct {
	source Source

	mutex               sync.Mutex
	consecutiveFailures int
	lastAttempt         time.Time
	lastError           error
}

func (t *trackedSource) healthy() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.consecutiveFailures < maxConsecutiveFailures {
		return true
	}
	return time.Since(t.lastAttempt) >= unhealthyCooldown
}

func (t *trackedSource) recordResult(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.lastAttempt = time.Now()
	if err != nil {
		t.consecutiveFailures++
		t.lastError = err
		return
	}
	t.consecutiveFailures = 0
	t.lastError = nil
}

// fetchWithRetry runs the source fetch with exponential backoff, bounded by
// maxRetries and the context deadline. No lock is held across the call.
func (t *trackedSource) fetchWithRetry(ctx context.Context, start time.Time, hours, maxRetries int, baseDelay time.Duration) ([]SourceRecord, error) {
	var records []SourceRecord

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(baseDelay)),
		uint64(maxRetries)), ctx)

	operation := func() error {
		var err error
		records, err = t.source.FetchHourly(ctx, start, hours)
		if err != nil {
			klog.V(3).InfoS("Weather fetch attempt failed",
				"source", t.source.Name(), "error", err)
		}
		return err
	}

	err := backoff.Retry(operation, policy)
	t.recordResult(err)
	if err != nil {
		return nil, fmt.Errorf("source %s fetch failed: %v", t.source.Name(), err)
	}
	return records, nil
}
