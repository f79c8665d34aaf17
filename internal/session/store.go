// Package session holds one exclusive mode per (bot chat, actor) and arbitrates
// which handler owns that actor's next input. State is process-local; a restart
// forgets every session.
package session

import (
	"fmt"
	"sync"
	"time"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Key struct {
	ChatID  int64
	ActorID int64
}

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.ChatID, k.ActorID) }

// PrivateKey is the key of a user talking to a bot in a private chat, where the
// chat id equals the user id.
func PrivateKey(userID int64) Key { return Key{ChatID: userID, ActorID: userID} }

// Draft is the broadcast payload owned by a session.
type Draft struct {
	Text       string
	Attachment *kit.Attachment
	// LocalPath is the working copy fetched for this draft, empty when the fetch
	// failed or there is no attachment.
	LocalPath string
}

type Session struct {
	Key        Key
	Mode       Mode
	ClaimID    int64  // active claim while in ClaimReply
	ParkedID   int64  // claim left behind when ClaimReply was preempted
	CrudAction string // pending form while in CrudInput
	Draft      *Draft
	UpdatedAt  time.Time
}

// Init seeds the fields of a mode entered with Begin.
type Init struct {
	ClaimID    int64
	CrudAction string
	Draft      *Draft
}

// DiscardFunc is told about broadcast drafts dropped by preemption so it can
// delete cached media and notify the actor.
type DiscardFunc func(prev Session)

// Store is safe for concurrent use. Per-key ordering comes from the dispatcher;
// the mutex only guards the map.
type Store struct {
	mu        sync.Mutex
	sessions  map[Key]*Session
	log       logx.Logger
	now       func() time.Time
	onDiscard DiscardFunc
	onPreempt func(prev Session, next Mode)
}

func NewStore(log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{sessions: map[Key]*Session{}, log: log, now: time.Now}
}

// OnDiscard registers the broadcast draft cleanup hook.
func (s *Store) OnDiscard(fn DiscardFunc) {
	s.mu.Lock()
	s.onDiscard = fn
	s.mu.Unlock()
}

// OnPreempt registers an observer for every forced mode change.
func (s *Store) OnPreempt(fn func(prev Session, next Mode)) {
	s.mu.Lock()
	s.onPreempt = fn
	s.mu.Unlock()
}

func (s *Store) get(k Key) *Session {
	ss, ok := s.sessions[k]
	if !ok {
		ss = &Session{Key: k, Mode: Idle}
		s.sessions[k] = ss
	}
	return ss
}

// Get returns a copy of the session for k. Unknown keys read as Idle.
func (s *Store) Get(k Key) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[k]; ok {
		return *ss
	}
	return Session{Key: k, Mode: Idle}
}

func (s *Store) Current(k Key) Mode { return s.Get(k).Mode }

// Begin enters an entry mode, preempting whatever k was doing. A broadcast draft
// is discarded through the OnDiscard hook; an active claim is parked, not
// released. It returns the previous mode.
func (s *Store) Begin(k Key, mode Mode, init Init) (Mode, error) {
	if !mode.entry() {
		return Idle, fmt.Errorf("%w: begin %s", ErrTransition, mode)
	}

	s.mu.Lock()
	ss := s.get(k)
	prev := *ss
	discard, preempt := s.onDiscard, s.onPreempt

	parked := ss.ParkedID
	if prev.Mode == ClaimReply && prev.ClaimID != 0 && !(mode == ClaimReply && init.ClaimID == prev.ClaimID) {
		parked = prev.ClaimID
	}
	if mode == ClaimReply && init.ClaimID == parked {
		parked = 0
	}
	*ss = Session{
		Key:        k,
		Mode:       mode,
		ClaimID:    init.ClaimID,
		ParkedID:   parked,
		CrudAction: init.CrudAction,
		Draft:      init.Draft,
		UpdatedAt:  s.now(),
	}
	s.mu.Unlock()

	forced := prev.Mode != Idle && !(prev.Mode == ClaimReply && mode == ClaimReply && prev.ClaimID == init.ClaimID)
	if forced {
		s.log.Info("session preempted",
			logx.String("key", k.String()),
			logx.String("from", prev.Mode.String()),
			logx.String("to", mode.String()),
			logx.Int64("parked_claim", parked),
		)
		if preempt != nil {
			preempt(prev, mode)
		}
		if prev.Mode.IsBroadcast() && discard != nil {
			discard(prev)
		}
	}
	return prev.Mode, nil
}

// Advance performs the checked transition from -> to. It fails without touching
// the session when the current mode is not from or the edge is not allowed.
// mutate, when non-nil, edits the session under the lock.
func (s *Store) Advance(k Key, from, to Mode, mutate func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := Idle
	if ss, ok := s.sessions[k]; ok {
		cur = ss.Mode
	}
	if cur != from {
		s.log.Debug("transition ignored", logx.String("key", k.String()), logx.String("want", from.String()), logx.String("got", cur.String()), logx.String("to", to.String()))
		return &MismatchError{Key: k, Want: from, Got: cur}
	}
	if !Allowed(from, to) {
		s.log.Warn("transition rejected", logx.String("key", k.String()), logx.String("from", from.String()), logx.String("to", to.String()))
		return fmt.Errorf("%w: %s -> %s", ErrTransition, from, to)
	}
	ss := s.get(k)
	ss.Mode = to
	if mutate != nil {
		mutate(ss)
	}
	ss.UpdatedAt = s.now()
	return nil
}

// Expect returns a copy of the session when it is in mode, or a *MismatchError.
func (s *Store) Expect(k Key, mode Mode) (Session, error) {
	cur := s.Get(k)
	if cur.Mode != mode {
		s.log.Debug("input ignored in wrong mode", logx.String("key", k.String()), logx.String("want", mode.String()), logx.String("got", cur.Mode.String()))
		return cur, &MismatchError{Key: k, Want: mode, Got: cur.Mode}
	}
	return cur, nil
}

// End resets k to Idle and returns what it was. The parked claim survives so it
// can still be resumed.
func (s *Store) End(k Key) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[k]
	if !ok {
		return Session{Key: k, Mode: Idle}
	}
	prev := *ss
	if ss.ParkedID == 0 {
		delete(s.sessions, k)
		return prev
	}
	*ss = Session{Key: k, Mode: Idle, ParkedID: prev.ParkedID, UpdatedAt: s.now()}
	return prev
}

// EndIf ends the session only when it is in mode.
func (s *Store) EndIf(k Key, mode Mode) (Session, error) {
	if _, err := s.Expect(k, mode); err != nil {
		return Session{}, err
	}
	return s.End(k), nil
}

// Drafts lists the local working copies referenced by live drafts.
func (s *Store) Drafts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ss := range s.sessions {
		if ss.Draft != nil && ss.Draft.LocalPath != "" {
			out = append(out, ss.Draft.LocalPath)
		}
	}
	return out
}

// Len is the number of non-idle or parked sessions held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
