package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/runtime/supervisor"
	"relaybot/pkg/logx"
)

func newLanes(t *testing.T, workers, depth int) *Lanes {
	t.Helper()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		sup.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Wait(ctx)
	})
	return NewLanes(sup, workers, depth, logx.Nop())
}

func TestLanesKeepOrderPerKey(t *testing.T) {
	t.Parallel()
	l := newLanes(t, 4, 128)

	keys := []LaneKey{{Bot: "admin", ChatID: 1, ActorID: 1}, {Bot: "admin", ChatID: 2, ActorID: 2}, {Bot: "client", ChatID: 1, ActorID: 1}}
	const perKey = 50

	var (
		mu  sync.Mutex
		got = map[LaneKey][]int{}
		wg  sync.WaitGroup
	)
	wg.Add(len(keys) * perKey)
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			k, i := k, i
			if err := l.Submit(k, func(context.Context) {
				defer wg.Done()
				mu.Lock()
				got[k] = append(got[k], i)
				mu.Unlock()
			}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	wg.Wait()

	for _, k := range keys {
		seq := got[k]
		if len(seq) != perKey {
			t.Fatalf("%s ran %d jobs", k, len(seq))
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("%s out of order at %d: %v", k, i, seq)
			}
		}
	}
}

func TestLanesSerializeSameKey(t *testing.T) {
	t.Parallel()
	l := newLanes(t, 8, 64)
	key := LaneKey{Bot: "admin", ChatID: 9, ActorID: 9}

	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	wg.Add(20)
	for i := 0; i < 20; i++ {
		_ = l.Submit(key, func(context.Context) {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two jobs of one key ran at once")
	}
}

func TestLanesRunKeysConcurrently(t *testing.T) {
	t.Parallel()
	l := newLanes(t, 2, 4)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := int64(1); i <= 2; i++ {
		_ = l.Submit(LaneKey{Bot: "admin", ChatID: i, ActorID: i}, func(context.Context) {
			started <- struct{}{}
			<-release
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("independent keys did not run concurrently")
		}
	}
	close(release)
}

func TestLanesFullAndStopped(t *testing.T) {
	t.Parallel()
	l := newLanes(t, 1, 1)
	key := LaneKey{Bot: "admin", ChatID: 1, ActorID: 1}

	block := make(chan struct{})
	started := make(chan struct{})
	_ = l.Submit(key, func(context.Context) { close(started); <-block })
	<-started
	if err := l.Submit(key, func(context.Context) {}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := l.Submit(key, func(context.Context) {}); !errors.Is(err, ErrLaneFull) {
		t.Fatalf("third submit err = %v, want ErrLaneFull", err)
	}
	close(block)

	l.Stop()
	if err := l.Submit(LaneKey{Bot: "x"}, func(context.Context) {}); !errors.Is(err, ErrLanesStopped) {
		t.Fatalf("submit after stop = %v", err)
	}
}

func TestLanesSurvivePanics(t *testing.T) {
	t.Parallel()
	l := newLanes(t, 1, 4)
	key := LaneKey{Bot: "admin", ChatID: 1, ActorID: 1}

	done := make(chan struct{})
	_ = l.Submit(key, func(context.Context) { panic("boom") })
	_ = l.Submit(key, func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job after panic did not run")
	}
}
