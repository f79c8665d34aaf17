package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

// LaneKey identifies one serial lane: an actor in a chat of one bot.
type LaneKey struct {
	Bot     string
	ChatID  int64
	ActorID int64
}

func (k LaneKey) String() string { return fmt.Sprintf("%s/%d/%d", k.Bot, k.ChatID, k.ActorID) }

var (
	ErrLaneFull     = errors.New("bot: lane queue full")
	ErrLanesStopped = errors.New("bot: dispatcher stopped")
)

type job func(ctx context.Context)

type lane struct {
	q chan job
}

// Lanes runs jobs with the same key one at a time in submit order. Jobs with
// different keys run concurrently, at most workers at once. A lane goroutine
// lives only while its queue is non-empty.
type Lanes struct {
	sup   *supervisor.Supervisor
	sem   *semaphore.Weighted
	depth int
	log   logx.Logger

	mu      sync.Mutex
	lanes   map[LaneKey]*lane
	stopped bool
}

func NewLanes(sup *supervisor.Supervisor, workers, depth int, log logx.Logger) *Lanes {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 32
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lanes{
		sup:   sup,
		sem:   semaphore.NewWeighted(int64(workers)),
		depth: depth,
		log:   log.With(logx.String("comp", "lanes")),
		lanes: map[LaneKey]*lane{},
	}
}

// Submit queues fn on key's lane without blocking.
func (l *Lanes) Submit(key LaneKey, fn func(ctx context.Context)) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLanesStopped
	}
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{q: make(chan job, l.depth)}
		l.lanes[key] = ln
	}
	select {
	case ln.q <- fn:
	default:
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLaneFull, key)
	}
	l.mu.Unlock()

	if !ok {
		l.sup.Go0("lane", func(ctx context.Context) { l.drain(ctx, key, ln) })
	}
	return nil
}

// drain exits once the queue is empty. The emptiness check and the lane removal
// happen under mu, the same lock Submit holds while enqueueing.
func (l *Lanes) drain(ctx context.Context, key LaneKey, ln *lane) {
	for {
		select {
		case fn := <-ln.q:
			if err := l.sem.Acquire(ctx, 1); err != nil {
				l.forget(key)
				return
			}
			l.run(ctx, key, fn)
			l.sem.Release(1)
		default:
			l.mu.Lock()
			if len(ln.q) == 0 {
				delete(l.lanes, key)
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
		}
	}
}

func (l *Lanes) forget(key LaneKey) {
	l.mu.Lock()
	delete(l.lanes, key)
	l.mu.Unlock()
}

func (l *Lanes) run(ctx context.Context, key LaneKey, fn job) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in lane job", logx.String("lane", key.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(ctx)
}

// Stop refuses new jobs. Running lanes finish when the supervisor context ends.
func (l *Lanes) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Active is the number of lanes with queued or running jobs.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
