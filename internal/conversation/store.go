// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/ollama"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy bounds the memory held per client.
type Policy struct {
	// MaxMessages caps a history; the oldest pairs go first. 0 = unlimited.
	MaxMessages int

	// IdleTTL drops histories idle for longer than this. 0 = never.
	IdleTTL time.Duration

	// SweepInterval is how often Run looks for idle histories.
	// 0 = DefaultSweepInterval.
	SweepInterval time.Duration
}

// DefaultSweepInterval is used when Policy.SweepInterval is unset.
const DefaultSweepInterval = time.Minute

// =============================================================================
// STORE
// =============================================================================

// session is the history of one client.
type session struct {
	messages     []ollama.Message
	lastActivity time.Time
	turn         chan struct{} // holds a token while a request owns the session
	refs         int           // requests holding or waiting for turn
}

// Store maps client keys to conversation histories.
// It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	policy   Policy
	now      func() time.Time
	logger   *zap.Logger

	policyChanged chan struct{} // wakes Run after SetPolicy
}

// NewStore creates an empty store. A nil logger disables logging.
func NewStore(policy Policy, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions: make(map[string]*session),
		policy:   policy,
		now:      time.Now,
		logger:   logger,

		policyChanged: make(chan struct{}, 1),
	}
}

// getLocked returns the session for key, creating it if needed.
// The caller must hold s.mu.
func (s *Store) getLocked(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{turn: make(chan struct{}, 1), lastActivity: s.now()}
		s.sessions[key] = sess
	}
	return sess
}

// GetOrCreate returns a copy of the history for key.
func (s *Store) GetOrCreate(key string) []ollama.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getLocked(key)
	sess.lastActivity = s.now()
	out := make([]ollama.Message, len(sess.messages))
	copy(out, sess.messages)
	return out
}

// Append adds messages to the history for key and applies MaxMessages.
func (s *Store) Append(key string, msgs ...ollama.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getLocked(key)
	sess.messages = append(sess.messages, msgs...)
	sess.lastActivity = s.now()

	if max := s.policy.MaxMessages; max > 0 && len(sess.messages) > max {
		excess := len(sess.messages) - max
		if excess%2 == 1 {
			excess++ // keep user/assistant pairs aligned
		}
		if excess > len(sess.messages) {
			excess = len(sess.messages)
		}
		sess.messages = append([]ollama.Message(nil), sess.messages[excess:]...)
	}
}

// Reset forgets the history for key.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	if sess.refs > 0 {
		sess.messages = nil
		return
	}
	delete(s.sessions, key)
}

// Len returns the number of clients with a history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Policy returns the current retention policy.
func (s *Store) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy replaces the retention policy. New limits apply on the next
// Append or Sweep, and a running Run restarts its wait with the new
// SweepInterval.
func (s *Store) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()

	select {
	case s.policyChanged <- struct{}{}:
	default:
	}
}

// =============================================================================
// PER-CLIENT SERIALISATION
// =============================================================================

// Lock waits until the caller owns the session for key. The returned
// function releases it and must be called exactly once. A session is never
// evicted while owned or waited for.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	sess := s.getLocked(key)
	sess.refs++
	s.mu.Unlock()

	select {
	case sess.turn <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		sess.refs--
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sess.turn
			s.mu.Lock()
			sess.refs--
			sess.lastActivity = s.now()
			s.mu.Unlock()
		})
	}, nil
}

// =============================================================================
// EVICTION
// =============================================================================

// Sweep drops histories idle since before now minus IdleTTL and returns how
// many were dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.policy.IdleTTL
	if ttl <= 0 {
		return 0
	}

	evicted := 0
	for key, sess := range s.sessions {
		if sess.refs > 0 {
			continue
		}
		if now.Sub(sess.lastActivity) > ttl {
			delete(s.sessions, key)
			evicted++
		}
	}
	return evicted
}

// Run sweeps the store every Policy.SweepInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	timer := time.NewTimer(s.sweepInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if n := s.Sweep(now); n > 0 {
				s.logger.Info("CONTEXT_SWEEP",
					zap.Int("evicted", n),
					zap.Int("remaining", s.Len()),
				)
			}
			timer.Reset(s.sweepInterval())
		case <-s.policyChanged:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.sweepInterval())
		}
	}
}

func (s *Store) sweepInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy.SweepInterval <= 0 {
		return DefaultSweepInterval
	}
	return s.policy.SweepInterval
}
