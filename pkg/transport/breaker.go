package transport

import (
	"sync"
	"time"
)

// BreakerState is a snapshot of one host's breaker.
type BreakerState struct {
	Failures  int
	OpenUntil time.Time
}

// Open reports whether the breaker refuses calls at now.
func (s BreakerState) Open(now time.Time) bool {
	return !s.OpenUntil.IsZero() && now.Before(s.OpenUntil)
}

// Breaker is a per-host, time-boxed circuit breaker. A host opens once
// its consecutive failures reach the threshold and stays open for the
// window. When the window has elapsed the host is closed again with a zero
// failure count. There is no half-open state.
type Breaker struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]*BreakerState
}

// NewBreaker creates a breaker
func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		hosts:     make(map[string]*BreakerState),
	}
}

// WithClock overrides the breaker's clock.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow returns a *CircuitOpenError while host is open.
func (b *Breaker) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[host]
	if !ok || st.OpenUntil.IsZero() {
		return nil
	}
	now := b.now()
	if st.Open(now) {
		return &CircuitOpenError{Host: host, Until: st.OpenUntil}
	}
	delete(b.hosts, host)
	breakerOpen.WithLabelValues(host).Set(0)
	return nil
}

// Success closes host.
func (b *Breaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.hosts[host]; ok {
		delete(b.hosts, host)
		breakerOpen.WithLabelValues(host).Set(0)
	}
}

// Failure records a failure and reports whether it opened the breaker.
func (b *Breaker) Failure(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.hosts[host]
	if !ok {
		st = &BreakerState{}
		b.hosts[host] = st
	}
	st.Failures++
	if st.Failures >= b.threshold && st.OpenUntil.IsZero() {
		st.OpenUntil = b.now().Add(b.window)
		breakerOpen.WithLabelValues(host).Set(1)
		return true
	}
	return false
}

// State returns the current state of host.
func (b *Breaker) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.hosts[host]; ok {
		return *st
	}
	return BreakerState{}
}
