package broadcast

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultStatusMax = 50
	defaultStatusTTL = 7 * 24 * time.Hour
	maxFailures      = 200
)

// RunStatus is the in-memory record of one dispatch run.
type RunStatus struct {
	ID        string
	Initiator int64
	Total     int
	Sent      int
	Failed    int
	Failures  []int64 // client tg ids
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Err       string
}

type registry struct {
	mu   sync.RWMutex
	runs map[string]*RunStatus
	max  int
	ttl  time.Duration
	seq  int
	now  func() time.Time
}

func newRegistry() *registry {
	return &registry{runs: map[string]*RunStatus{}, max: defaultStatusMax, ttl: defaultStatusTTL, now: time.Now}
}

func (r *registry) start(initiator int64, total int) string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("bc:%s-%d", now.Format("0102-1504"), r.seq)
	r.prune(now)
	r.runs[id] = &RunStatus{ID: id, Initiator: initiator, Total: total, StartedAt: now, Running: true}
	return id
}

func (r *registry) record(id string, clientTGID int64, sent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.runs[id]
	if st == nil {
		return
	}
	if sent {
		st.Sent++
		return
	}
	st.Failed++
	if len(st.Failures) < maxFailures {
		st.Failures = append(st.Failures, clientTGID)
	}
}

func (r *registry) finish(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.runs[id]; st != nil {
		st.DoneAt = r.now()
		st.Running = false
		if err != nil {
			st.Err = err.Error()
		}
	}
}

func (r *registry) get(id string) (RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	cp := *st
	cp.Failures = append([]int64(nil), st.Failures...)
	return cp, true
}

// recent returns up to n runs, newest first.
func (r *registry) recent(n int) []RunStatus {
	r.mu.RLock()
	out := make([]RunStatus, 0, len(r.runs))
	for _, st := range r.runs {
		cp := *st
		cp.Failures = nil
		out = append(out, cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// prune drops finished runs past the TTL, then the oldest ones above max.
// Caller holds the lock.
func (r *registry) prune(now time.Time) {
	for id, st := range r.runs {
		if !st.Running && now.Sub(st.DoneAt) > r.ttl {
			delete(r.runs, id)
		}
	}
	if len(r.runs) < r.max {
		return
	}
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(r.runs))
	for id, st := range r.runs {
		if st.Running {
			continue
		}
		items = append(items, kv{id: id, t: st.DoneAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })
	excess := len(r.runs) - r.max + 1
	for i := 0; i < excess && i < len(items); i++ {
		delete(r.runs, items[i].id)
	}
}
