package bot

import (
	"context"
	"errors"
	"time"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Runner feeds bot updates into the lanes through the middleware chain.
type Runner struct {
	lanes   *Lanes
	timeout time.Duration
	log     logx.Logger
}

func NewRunner(lanes *Lanes, timeout time.Duration, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{lanes: lanes, timeout: timeout, log: log.With(logx.String("comp", "bot"))}
}

// Serve reads updates until ctx ends or the channel closes. Updates without
// a sender are dropped.
func (r *Runner) Serve(ctx context.Context, name string, updates <-chan kit.Update, h HandlerFunc) error {
	chain := Chain(h, Recover(), RequestLog(), Timeout(r.timeout))
	log := r.log.With(logx.String("bot", name))
	log.Info("update loop started")
	defer log.Info("update loop stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			req := newRequest(name, up, r.log)
			if req.Key.ActorID == 0 {
				continue
			}
			err := r.lanes.Submit(req.Key, func(ctx context.Context) { _ = chain(ctx, req) })
			switch {
			case err == nil:
			case errors.Is(err, ErrLanesStopped):
				return nil
			default:
				log.Warn("update dropped", logx.String("lane", req.Key.String()), logx.Err(err))
			}
		}
	}
}
