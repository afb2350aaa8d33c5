package wizard

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when a session already has a transition in flight.
var ErrBusy = errors.New("session is processing a request")

// ErrWrongStep is returned when an event does not apply to the current step.
var ErrWrongStep = errors.New("request does not apply to the current step")

// ErrNoSession is returned for unknown or expired session ids.
var ErrNoSession = errors.New("session not found")

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * time.Minute

type session struct {
	state   State
	touched time.Time
}

// Store keeps wizard sessions in memory. It is safe for concurrent use.
type Store struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewStore returns an empty store.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{TTL: ttl, Now: time.Now, sessions: map[string]*session{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create starts a session at deal entry.
func (s *Store) Create() (string, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	id := uuid.NewString()
	st := Initial()
	s.sessions[id] = &session{state: st, touched: s.now()}
	return id, st
}

// Get returns the current state of a session.
func (s *Store) Get(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return State{}, err
	}
	sess.touched = s.now()
	return sess.state, nil
}

// Apply reduces ev into the session and returns the new state.
func (s *Store) Apply(id string, ev Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return State{}, err
	}
	sess.state = Reduce(sess.state, ev)
	sess.touched = s.now()
	return sess.state, nil
}

// Begin applies a starting event only if the session is idle, so that at most
// one deal lookup or run is in flight per session.
func (s *Store) Begin(id string, ev Event) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return State{}, err
	}
	if sess.state.Processing {
		return sess.state, ErrBusy
	}
	next := Reduce(sess.state, ev)
	sess.touched = s.now()
	if !next.Processing {
		return sess.state, ErrWrongStep
	}
	sess.state = next
	return next, nil
}

// Reset returns an idle session to deal entry.
func (s *Store) Reset(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return State{}, err
	}
	if sess.state.Processing {
		return sess.state, ErrBusy
	}
	sess.state = Reduce(sess.state, Reset{})
	sess.touched = s.now()
	return sess.state, nil
}

// Delete drops a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len counts live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.sessions)
}

func (s *Store) lookupLocked(id string) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *Store) expired(sess *session) bool {
	// A session mid-run is never expired.
	return !sess.state.Processing && s.now().Sub(sess.touched) > s.TTL
}

func (s *Store) sweepLocked() {
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
		}
	}
}
