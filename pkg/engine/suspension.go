package engine

import (
	"context"
	"sync"
	"time"
)

// PendingWake is one suspended run whose wake time has arrived.
type PendingWake struct {
	Token string
	RunID string
}

// SuspensionStore persists the wake schedule for suspended runs. Delay
// suspensions carry a wake time; approval suspensions are stored without one
// and are only released by an explicit decision.
type SuspensionStore interface {
	// Schedule registers a token. wakeAt is zero for approvals.
	Schedule(ctx context.Context, token, runID string, wakeAt time.Time) error

	// Due returns and removes every timed token whose wake time is at or
	// before now.
	Due(ctx context.Context, now time.Time) ([]PendingWake, error)

	// Resolve removes a token (elapsed delay or decided approval) and
	// returns the run it belonged to.
	Resolve(ctx context.Context, token string) (string, error)
}

// MemorySuspensionStore is the in-process store used in tests and
// single-node development setups.
type MemorySuspensionStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	runID  string
	wakeAt time.Time
}

func NewMemorySuspensionStore() *MemorySuspensionStore {
	return &MemorySuspensionStore{entries: make(map[string]memoryEntry)}
}

func (s *MemorySuspensionStore) Schedule(_ context.Context, token, runID string, wakeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[token] = memoryEntry{runID: runID, wakeAt: wakeAt}

	return nil
}

func (s *MemorySuspensionStore) Due(_ context.Context, now time.Time) ([]PendingWake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]PendingWake, 0)

	for token, entry := range s.entries {
		if !entry.wakeAt.IsZero() && !entry.wakeAt.After(now) {
			due = append(due, PendingWake{Token: token, RunID: entry.runID})
			delete(s.entries, token)
		}
	}

	return due, nil
}

func (s *MemorySuspensionStore) Resolve(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if !ok {
		return "", ErrUnknownToken
	}

	delete(s.entries, token)

	return entry.runID, nil
}
