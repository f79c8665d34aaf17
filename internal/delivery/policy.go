package delivery

import "time"

const (
	DefaultMaxAttempts  = 3
	DefaultTimeoutDelay = 5 * time.Second
)

// Policy is the retry budget shared by RateLimited and TransientTimeout outcomes.
type Policy struct {
	MaxAttempts  int
	TimeoutDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, TimeoutDelay: DefaultTimeoutDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.TimeoutDelay <= 0 {
		p.TimeoutDelay = DefaultTimeoutDelay
	}
	return p
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is a pure function of the outcome of attempt number attempt (1-based).
// Network errors and permanent failures are never retried; rate limits and
// timeouts are retried until MaxAttempts attempts have been made.
func (p Policy) Decide(o Outcome, attempt int) Decision {
	p = p.normalized()
	switch o.Kind {
	case RateLimited:
		if attempt >= p.MaxAttempts {
			return Decision{}
		}
		d := o.RetryAfter
		if d <= 0 {
			d = p.TimeoutDelay
		}
		return Decision{Retry: true, Delay: d}
	case TransientTimeout:
		if attempt >= p.MaxAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: p.TimeoutDelay}
	default:
		return Decision{}
	}
}
