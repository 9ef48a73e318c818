package repository

import "time"

// QueryObserver receives per-query latency samples from the repositories.
// *service.MetricsService satisfies it.
type QueryObserver interface {
	ObserveDBQuery(query string, duration time.Duration)
}

func observeQuery(observer QueryObserver, label string, start time.Time) {
	if observer != nil {
		observer.ObserveDBQuery(label, time.Since(start))
	}
}
