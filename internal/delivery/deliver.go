package delivery

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/metrics"
	"relaybot/pkg/logx"
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the final state of one recipient's delivery.
type Result struct {
	Outcome  Outcome
	Attempts int
	Delays   []time.Duration
}

func (r Result) Sent() bool { return r.Outcome.OK() }

type Deliverer struct {
	mu      sync.RWMutex
	policy  Policy
	sleep   SleepFunc
	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Deliverer)

// WithSleep replaces the timer based wait, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(d *Deliverer) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(d *Deliverer) { d.metrics = m } }

func New(p Policy, log logx.Logger, opts ...Option) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deliverer{policy: p.normalized(), sleep: sleepCtx, log: log}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// SetPolicy swaps the policy on config reload. Runs in flight keep reading the
// new values from their next attempt on.
func (d *Deliverer) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p.normalized()
	d.mu.Unlock()
}

func (d *Deliverer) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// Do runs send until it succeeds or the policy gives up. label names the
// recipient in logs. A cancelled context ends the loop with the last outcome.
func (d *Deliverer) Do(ctx context.Context, label string, send func(ctx context.Context) error) Result {
	var res Result
	for {
		res.Attempts++
		o := Classify(send(ctx))
		res.Outcome = o
		d.metrics.Attempt(o.Kind.String())
		if o.OK() {
			return res
		}

		dec := d.Policy().Decide(o, res.Attempts)
		if !dec.Retry {
			d.log.Warn("delivery failed",
				logx.String("to", label),
				logx.String("outcome", o.Kind.String()),
				logx.Int("attempts", res.Attempts),
				logx.Err(o.Err),
			)
			return res
		}
		d.log.Debug("delivery retry scheduled",
			logx.String("to", label),
			logx.String("outcome", o.Kind.String()),
			logx.Int("attempt", res.Attempts+1),
			logx.Duration("delay", dec.Delay),
		)
		res.Delays = append(res.Delays, dec.Delay)
		if err := d.sleep(ctx, dec.Delay); err != nil {
			return res
		}
	}
}
