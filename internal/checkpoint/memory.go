package checkpoint

import (
	"context"
	"sync"
	"time"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/pkg/uid"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*model.Checkpoint
	ttl     time.Duration
	clock   clock.Clock

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore creates a store whose checkpoints expire after ttl and
// starts a background sweep of spent entries.
func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	s := &MemoryStore{
		entries:     make(map[string]*model.Checkpoint),
		ttl:         ttl,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) Create(_ context.Context, requestID string, snap model.Snapshot) (*model.Checkpoint, error) {
	now := s.clock.Now()
	cp := &model.Checkpoint{
		ID:        uid.New(),
		RequestID: requestID,
		Snapshot:  cloneSnapshot(snap),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.entries[cp.ID] = cp
	s.mu.Unlock()

	out := *cp
	return &out, nil
}

func (s *MemoryStore) Restore(_ context.Context, id string) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.entries[id]
	if !ok {
		return model.Snapshot{}, model.NotFoundErrorf("checkpoint %s", id)
	}
	now := s.clock.Now()
	if !cp.Restorable(now) {
		return model.Snapshot{}, model.NotFoundErrorf("checkpoint %s is used or expired", id)
	}
	cp.Used = true
	cp.UsedAt = &now
	return cloneSnapshot(cp.Snapshot), nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.entries[id]
	if !ok {
		return model.NotFoundErrorf("checkpoint %s", id)
	}
	cp.Released = true
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.entries[id]
	if !ok {
		return nil, model.NotFoundErrorf("checkpoint %s", id)
	}
	out := *cp
	out.Snapshot = cloneSnapshot(cp.Snapshot)
	return &out, nil
}

// Stop ends the background sweep.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeStale()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) removeStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-retention)
	for id, cp := range s.entries {
		if cp.ExpiresAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

func cloneSnapshot(snap model.Snapshot) model.Snapshot {
	snap.Claims = append([]model.Claim(nil), snap.Claims...)
	return snap
}

var _ Store = (*MemoryStore)(nil)
