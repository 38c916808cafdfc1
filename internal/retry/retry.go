package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Next when the attempt budget is spent.
// Callers should surface a terminal "disconnected" status rather than
// continuing to retry.
var ErrExhausted = errors.New("retry: attempt budget exhausted")

// Policy defines bounded exponential backoff with jitter.
//
// The unjittered delay for attempt n (0-based) is min(Base * 2^n, Cap).
// Each computed delay is then perturbed by up to ±JitterFraction and
// floored at MinInterval, which guards against reconnect storms when
// Base is configured very small.
//
// A Policy is immutable and safe to share; per-connection attempt state
// lives in a Retrier.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Cap bounds the exponential growth.
	Cap time.Duration

	// MinInterval is the smallest permitted gap between attempts,
	// applied after jitter.
	MinInterval time.Duration

	// MaxAttempts is the total retry budget. Zero or negative means
	// retry forever.
	MaxAttempts int

	// JitterFraction is the maximum relative perturbation applied to
	// each delay (0.10 = ±10%).
	JitterFraction float64
}

// UnjitteredDelay returns min(Base * 2^attempt, Cap) for a 0-based attempt
// number. Negative attempts are treated as 0.
func (p Policy) UnjitteredDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Guard the shift: beyond 62 doublings any positive base overflows
	// int64 nanoseconds, so the cap applies regardless.
	if attempt > 62 {
		return p.Cap
	}

	d := p.Base << uint(attempt)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// Delay returns the jittered delay for a 0-based attempt number.
//
// The result lies within ±JitterFraction of UnjitteredDelay(attempt)
// and is never below MinInterval.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.UnjitteredDelay(attempt)

	if p.JitterFraction > 0 {
		// Uniform in [-JitterFraction, +JitterFraction].
		factor := 1 + p.JitterFraction*(2*rand.Float64()-1)
		base = time.Duration(math.Round(float64(base) * factor))
	}

	if base < p.MinInterval {
		base = p.MinInterval
	}
	return base
}

// Exhausted reports whether the given 0-based attempt number is past the
// retry budget. With MaxAttempts = 5, attempts 0..4 are permitted.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Retrier carries per-connection attempt state for a Policy.
//
// Typical use:
//
//	r := policy.NewRetrier()
//	for {
//	    err := connect()
//	    if err == nil {
//	        r.Reset()
//	        break
//	    }
//	    delay, rerr := r.Next()
//	    if rerr != nil {
//	        return rerr // terminal: give up
//	    }
//	    time.Sleep(delay)
//	}
//
// Retrier is not safe for concurrent use; each connection owns its own.
type Retrier struct {
	policy  Policy
	attempt int
}

// NewRetrier returns a Retrier with a fresh attempt counter.
func (p Policy) NewRetrier() *Retrier {
	return &Retrier{policy: p}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter. It returns ErrExhausted once the budget is spent.
func (r *Retrier) Next() (time.Duration, error) {
	if r.policy.Exhausted(r.attempt) {
		return 0, ErrExhausted
	}

	delay := r.policy.Delay(r.attempt)
	r.attempt++
	return delay, nil
}

// Reset clears the attempt counter. Call after a successful attempt so the
// next failure starts back at the base delay.
func (r *Retrier) Reset() {
	r.attempt = 0
}

// Attempt returns the number of attempts consumed since the last Reset.
func (r *Retrier) Attempt() int {
	return r.attempt
}
