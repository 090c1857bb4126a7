// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/llmui/internal/ollama"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(p Policy) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(p, nil)
	s.now = clock.Now
	return s, clock
}

func turn(i int) []ollama.Message {
	return []ollama.Message{
		ollama.NewUserMessage(fmt.Sprintf("q%d", i)),
		ollama.NewAssistantMessage(fmt.Sprintf("a%d", i), ""),
	}
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestStore_GetOrCreateIsLazy(t *testing.T) {
	s, _ := newTestStore(Policy{})
	require.Equal(t, 0, s.Len())

	msgs := s.GetOrCreate("10.0.0.1")
	require.Empty(t, msgs)
	require.Equal(t, 1, s.Len())
}

func TestStore_AppendInPairs(t *testing.T) {
	s, _ := newTestStore(Policy{})

	s.Append("k", turn(1)...)
	s.Append("k", turn(2)...)

	msgs := s.GetOrCreate("k")
	require.Len(t, msgs, 4)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "q2", msgs[2].Content)
}

func TestStore_GetOrCreateReturnsCopy(t *testing.T) {
	s, _ := newTestStore(Policy{})
	s.Append("k", turn(1)...)

	msgs := s.GetOrCreate("k")
	msgs[0].Content = "changed"
	msgs = append(msgs, ollama.NewUserMessage("extra"))

	fresh := s.GetOrCreate("k")
	require.Len(t, fresh, 2)
	require.Equal(t, "q1", fresh[0].Content)
}

func TestStore_KeysAreIsolated(t *testing.T) {
	s, _ := newTestStore(Policy{})
	s.Append("a", turn(1)...)

	require.Empty(t, s.GetOrCreate("b"))
	require.Len(t, s.GetOrCreate("a"), 2)
}

func TestStore_MaxMessagesDropsOldestPairs(t *testing.T) {
	s, _ := newTestStore(Policy{MaxMessages: 4})

	for i := 1; i <= 3; i++ {
		s.Append("k", turn(i)...)
	}

	msgs := s.GetOrCreate("k")
	require.Len(t, msgs, 4)
	require.Equal(t, "q2", msgs[0].Content)
	require.Equal(t, "user", msgs[0].Role)
}

func TestStore_MaxMessagesOddCapKeepsPairs(t *testing.T) {
	s, _ := newTestStore(Policy{MaxMessages: 3})

	s.Append("k", turn(1)...)
	s.Append("k", turn(2)...)

	msgs := s.GetOrCreate("k")
	require.Len(t, msgs, 2)
	require.Equal(t, "q2", msgs[0].Content)
}

func TestStore_Reset(t *testing.T) {
	s, _ := newTestStore(Policy{})
	s.Append("k", turn(1)...)

	s.Reset("k")
	require.Equal(t, 0, s.Len())
	require.Empty(t, s.GetOrCreate("k"))

	s.Reset("missing")
}

func TestStore_ResetWhileLockedKeepsSession(t *testing.T) {
	s, _ := newTestStore(Policy{})
	s.Append("k", turn(1)...)

	unlock, err := s.Lock(context.Background(), "k")
	require.NoError(t, err)
	s.Reset("k")
	require.Equal(t, 1, s.Len())
	require.Empty(t, s.GetOrCreate("k"))
	unlock()
}

// =============================================================================
// LOCK TESTS
// =============================================================================

func TestStore_LockSerialisesSameKey(t *testing.T) {
	s, _ := newTestStore(Policy{})

	unlock, err := s.Lock(context.Background(), "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := s.Lock(context.Background(), "k")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock not acquired after release")
	}
}

func TestStore_LockDifferentKeysIndependent(t *testing.T) {
	s, _ := newTestStore(Policy{})

	unlockA, err := s.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := s.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestStore_LockHonoursContext(t *testing.T) {
	s, _ := newTestStore(Policy{})

	unlock, err := s.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_UnlockIsIdempotent(t *testing.T) {
	s, _ := newTestStore(Policy{})

	unlock, err := s.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = s.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestStore_ConcurrentTurnsStayPaired(t *testing.T) {
	s, _ := newTestStore(Policy{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := s.Lock(context.Background(), "k")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer unlock()
			history := s.GetOrCreate("k")
			_ = history
			s.Append("k", turn(i)...)
		}(i)
	}
	wg.Wait()

	msgs := s.GetOrCreate("k")
	require.Len(t, msgs, 100)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, "user", msgs[i].Role)
		require.Equal(t, "assistant", msgs[i+1].Role)
		require.Equal(t, msgs[i].Content[1:], msgs[i+1].Content[1:])
	}
}

// =============================================================================
// EVICTION TESTS
// =============================================================================

func TestStore_SweepEvictsIdle(t *testing.T) {
	s, clock := newTestStore(Policy{IdleTTL: time.Hour})

	s.Append("old", turn(1)...)
	clock.Advance(50 * time.Minute)
	s.Append("new", turn(1)...)
	clock.Advance(20 * time.Minute)

	require.Equal(t, 1, s.Sweep(clock.Now()))
	require.Equal(t, 1, s.Len())
	require.Len(t, s.GetOrCreate("new"), 2)
}

func TestStore_SweepDisabledWithoutTTL(t *testing.T) {
	s, clock := newTestStore(Policy{})
	s.Append("k", turn(1)...)
	clock.Advance(1000 * time.Hour)

	require.Equal(t, 0, s.Sweep(clock.Now()))
	require.Equal(t, 1, s.Len())
}

func TestStore_SweepSkipsLockedSessions(t *testing.T) {
	s, clock := newTestStore(Policy{IdleTTL: time.Minute})

	unlock, err := s.Lock(context.Background(), "busy")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	require.Equal(t, 0, s.Sweep(clock.Now()))
	unlock()
	require.Equal(t, 0, s.Sweep(clock.Now()), "unlock refreshes activity")
}

func TestStore_SetPolicy(t *testing.T) {
	s, clock := newTestStore(Policy{})
	s.Append("k", turn(1)...)
	clock.Advance(time.Hour)

	s.SetPolicy(Policy{IdleTTL: time.Minute})
	require.Equal(t, time.Minute, s.Policy().IdleTTL)
	require.Equal(t, 1, s.Sweep(clock.Now()))
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	s := NewStore(Policy{IdleTTL: time.Nanosecond, SweepInterval: 5 * time.Millisecond}, nil)
	s.Append("k", turn(1)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStore_RunPicksUpNewSweepInterval(t *testing.T) {
	s := NewStore(Policy{IdleTTL: time.Nanosecond, SweepInterval: time.Hour}, nil)
	s.Append("k", turn(1)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.Len(), "no sweep before the first hour")

	s.SetPolicy(Policy{IdleTTL: time.Nanosecond, SweepInterval: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
