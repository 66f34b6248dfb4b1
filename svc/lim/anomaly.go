package lim

import (
	"sync"
	"time"

	"aurapaste/metrics"
	"aurapaste/svc/util"
)

const (
	watchBuckets   = 5
	watchTick      = 1 * time.Minute
	minSampleReqs  = 10
	errorRateLimit = 5.0
)

// ErrorRateWatch keeps a sliding window of request/error counts and
// fires a callback when the recent error rate crosses the threshold.
// The limiter uses it to throttle during incidents.
type ErrorRateWatch struct {
	mu      sync.Mutex
	window  [watchBuckets]struct{ requests, errors int64 }
	current int
	onSpike func()
	done    chan struct{}
}

func newErrorRateWatch(onSpike func()) *ErrorRateWatch {
	return &ErrorRateWatch{onSpike: onSpike, done: make(chan struct{})}
}

func (w *ErrorRateWatch) start() {
	ticker := time.NewTicker(watchTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.advance()
			case <-w.done:
				return
			}
		}
	}()
}

func (w *ErrorRateWatch) stop() { close(w.done) }

func (w *ErrorRateWatch) recordRequest() {
	w.mu.Lock()
	w.window[w.current].requests++
	w.mu.Unlock()
}

func (w *ErrorRateWatch) recordError() {
	w.mu.Lock()
	w.window[w.current].errors++
	w.mu.Unlock()
}

func (w *ErrorRateWatch) advance() {
	w.mu.Lock()
	defer w.mu.Unlock()
	var reqs, errs int64
	for _, b := range w.window {
		reqs += b.requests
		errs += b.errors
	}
	var errorRate float64
	if reqs > 0 {
		errorRate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)
	if reqs > minSampleReqs && errorRate > errorRateLimit {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("requests", reqs).
			Int64("errors", errs).
			Msg("high error rate, throttling")
		if w.onSpike != nil {
			w.onSpike()
		}
	}
	w.current = (w.current + 1) % watchBuckets
	w.window[w.current] = struct{ requests, errors int64 }{}
}
