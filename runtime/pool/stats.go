package pool

import "time"

// Stats is a point-in-time snapshot of one server pool.
type Stats struct {
	ServerID          string
	TotalConnections  int
	ActiveConnections int
	IdleConnections   int
	WaitingRequests   int
	TotalRequests     int64
	FailedRequests    int64
	AverageWaitTime   time.Duration
}

// statsAccum accumulates request counters for one server pool. Guarded by
// the owning pool's mutex.
type statsAccum struct {
	totalRequests  int64
	failedRequests int64
	waitCount      int64
	waitTotal      time.Duration
}

func (s *statsAccum) recordWait(d time.Duration) {
	s.waitCount++
	s.waitTotal += d
}

func (s *statsAccum) averageWait() time.Duration {
	if s.waitCount == 0 {
		return 0
	}
	return s.waitTotal / time.Duration(s.waitCount)
}
