package failover

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker tracks the health of one endpoint. After failureThreshold
// consecutive failures the endpoint is skipped for openTimeout, then one
// trial call is let through; a successful trial closes it again.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	failures         int
	failureThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(to breakerState)
}

func newBreaker(threshold int, openTimeout time.Duration, onChange func(breakerState)) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &breaker{
		failureThreshold: threshold,
		openTimeout:      openTimeout,
		now:              time.Now,
		onChange:         onChange,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.set(stateHalfOpen)
	}
	return b.state != stateOpen
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.set(stateClosed)
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.failureThreshold {
		b.openedAt = b.now()
		b.set(stateOpen)
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) set(to breakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(to)
	}
}
