// Package delivery turns transport send errors into outcomes and retries them
// under one shared policy. Broadcast fan-out and single replies both go through
// Deliverer.Do.
package delivery

import (
	"context"
	"errors"
	"time"

	kit "relaybot/internal/transport"
)

type Kind int

const (
	OK Kind = iota
	RateLimited
	TransientTimeout
	TransientNetwork
	Permanent
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case RateLimited:
		return "rate_limited"
	case TransientTimeout:
		return "timeout"
	case TransientNetwork:
		return "network"
	default:
		return "permanent"
	}
}

// Outcome is the classified result of one send attempt.
type Outcome struct {
	Kind       Kind
	RetryAfter time.Duration // RateLimited only
	Err        error
}

func (o Outcome) OK() bool { return o.Kind == OK }

// Classify maps an adapter error onto an Outcome. Unknown errors are permanent.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OK}
	}
	var rl *kit.RateLimitError
	switch {
	case errors.As(err, &rl):
		return Outcome{Kind: RateLimited, RetryAfter: rl.RetryAfter, Err: err}
	case errors.Is(err, kit.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Outcome{Kind: TransientTimeout, Err: err}
	case errors.Is(err, kit.ErrNetwork):
		return Outcome{Kind: TransientNetwork, Err: err}
	default:
		return Outcome{Kind: Permanent, Err: err}
	}
}
