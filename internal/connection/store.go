package connection

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/session"
)

// Persister durably records every new state.
type Persister interface {
	SaveState(s State) error
}

// Store is the single writer of the connection state. Each transition
// replaces the whole record, so readers never observe a partial update.
type Store struct {
	mu        sync.RWMutex
	state     State
	subs      map[int]chan State
	nextSub   int
	persister Persister
	logger    *zap.Logger
}

// NewStore creates a store seeded with initial. A snapshot that breaks the
// activity invariant is discarded. persister may be nil.
func NewStore(initial State, persister Persister, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !initial.Valid() {
		logger.Warn("discarding inconsistent connection snapshot")
		initial = State{}
	}
	return &Store{
		state:     initial,
		subs:      make(map[int]chan State),
		persister: persister,
		logger:    logger,
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connect commits a newly issued session. This is the point the state
// first becomes active.
func (s *Store) Connect(p ConnectParams) error {
	if p.SessionToken == "" || p.ExpiresAt.IsZero() {
		return ErrIncompleteSession
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(s.state.connected(p))
	s.logger.Info("session committed",
		zap.Int64("hotspot_id", p.Hotspot.ID),
		zap.String("token", session.ShortToken(p.SessionToken)),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return nil
}

// Disconnect clears every field together and returns the prior state.
func (s *Store) Disconnect() State {
	return s.reset("disconnected")
}

// Expire clears the state after the session has run out.
func (s *Store) Expire() State {
	return s.reset("expired")
}

// ExpireIfCurrent clears the state only if it still equals snapshot. It
// reports whether a teardown happened, so a check that started against an
// older record cannot tear down an extended or replaced session.
func (s *Store) ExpireIfCurrent(snapshot State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active || s.state != snapshot {
		return false
	}
	s.apply(State{})
	s.logger.Info("session expired", zap.String("token", session.ShortToken(snapshot.SessionToken)))
	return true
}

// Extend adds minutes to an active session. It is a no-op when inactive.
func (s *Store) Extend(minutes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active {
		return false
	}
	s.apply(s.state.extended(minutes))
	return true
}

// UpdateToken replaces the token and expiry of an active session, leaving
// duration, start time and hotspot untouched.
func (s *Store) UpdateToken(token string, expiresAt time.Time) bool {
	if token == "" || expiresAt.IsZero() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active {
		return false
	}
	s.apply(s.state.withToken(token, expiresAt))
	return true
}

// Subscribe returns a channel that receives the latest state after every
// transition. Slow readers only see the most recent value.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan State, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Store) reset(reason string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if !prev.Active {
		return prev
	}
	s.apply(State{})
	s.logger.Info("session cleared",
		zap.String("reason", reason),
		zap.String("token", session.ShortToken(prev.SessionToken)),
	)
	return prev
}

// apply must be called with mu held.
func (s *Store) apply(next State) {
	s.state = next

	if s.persister != nil {
		if err := s.persister.SaveState(next); err != nil {
			s.logger.Warn("failed to persist connection state", zap.Error(err))
		}
	}

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
