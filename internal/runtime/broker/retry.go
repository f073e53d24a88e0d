package broker

import (
	"fmt"
	"math"
	"time"
)

// Retry delay defaults applied by WithDefaults.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 4 * time.Second
	DefaultRetryMaxDelay = 120 * time.Second
)

// RetryPolicy is the client-level reconnect policy: a bounded attempt count or
// unbounded retries, with a capped exponential delay between attempts.
type RetryPolicy struct {
	unbounded   bool
	maxAttempts int

	Delay    time.Duration
	MaxDelay time.Duration
}

// BoundedRetries retries at most n times. Negative n is treated as zero.
func BoundedRetries(n int) RetryPolicy {
	if n < 0 {
		n = 0
	}
	return RetryPolicy{maxAttempts: n}
}

// UnboundedRetries never gives up reconnecting.
func UnboundedRetries() RetryPolicy {
	return RetryPolicy{unbounded: true}
}

// RetryPolicyFromAttempts maps an operator value onto a policy: a negative
// value requests unbounded retries.
func RetryPolicyFromAttempts(n int) RetryPolicy {
	if n < 0 {
		return UnboundedRetries()
	}
	return BoundedRetries(n)
}

// Unbounded reports whether the policy retries forever.
func (p RetryPolicy) Unbounded() bool { return p.unbounded }

// MaxAttempts returns the bound and false for unbounded policies.
func (p RetryPolicy) MaxAttempts() (int, bool) {
	if p.unbounded {
		return 0, false
	}
	return p.maxAttempts, true
}

// Int32Attempts translates the policy for client libraries that only accept a
// finite count. Unbounded becomes math.MaxInt32.
func (p RetryPolicy) Int32Attempts() int32 {
	if p.unbounded || p.maxAttempts > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(p.maxAttempts)
}

// WithDelays returns a copy using the given delay bounds.
func (p RetryPolicy) WithDelays(delay, maxDelay time.Duration) RetryPolicy {
	p.Delay = delay
	p.MaxDelay = maxDelay
	return p
}

// WithDefaults fills zero delays.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	return p
}

func (p RetryPolicy) String() string {
	if p.unbounded {
		return "unbounded"
	}
	return fmt.Sprintf("bounded(%d)", p.maxAttempts)
}
