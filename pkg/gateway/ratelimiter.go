package gateway

import (
	"sync"
	"time"
)

// Default per-client limits.
const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 10
)

// Rate limit rejection reasons.
const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
}

// NewClientRateLimiter creates a limiter. Non-positive limits take the
// defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// Acquire admits a request if both limits allow it. The returned release
// func must be called when the request finishes; on rejection the reason
// is returned instead.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.concurrentRequests >= r.maxConcurrent {
		return nil, reasonTooConcurrent
	}
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return nil, reasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrentRequests > 0 {
				r.concurrentRequests--
			}
			r.mu.Unlock()
		})
	}, ""
}

// prune drops requests older than one minute. Callers hold mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

// GetStats returns the requests in the current window and the requests in
// flight.
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}

// limiterSet hands out one limiter per HTTP caller address.
type limiterSet struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	limiters          map[string]*ClientRateLimiter
}

func newLimiterSet(requestsPerMinute, maxConcurrent int) *limiterSet {
	return &limiterSet{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		limiters:          make(map[string]*ClientRateLimiter),
	}
}

func (s *limiterSet) get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[key] = l
	}
	return l
}

// sweep forgets limiters with nothing in flight and no recent requests.
func (s *limiterSet) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, l := range s.limiters {
		if n, inFlight := l.GetStats(); n == 0 && inFlight == 0 {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}
