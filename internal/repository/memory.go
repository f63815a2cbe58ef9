package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"rentalhub-sale-api/internal/model"
)

type memoryTxKey struct{}

// MemoryStore implements Store in process memory. Transactions are
// serialized but not rolled back on error; it backs tests and local runs.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	transitions   map[string]model.TransitionRequest
	activeByItem  map[string]string
	conflicts     map[string]model.Conflict
	conflictOrder map[string][]string
	resolutions   []model.Resolution
	resolutionSeq map[string]int
	notifications map[string]model.Notification
	notifyOrder   map[string][]string
	items         map[string]model.Item
	claims        map[string]model.Claim
	audit         []model.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transitions:   make(map[string]model.TransitionRequest),
		activeByItem:  make(map[string]string),
		conflicts:     make(map[string]model.Conflict),
		conflictOrder: make(map[string][]string),
		resolutionSeq: make(map[string]int),
		notifications: make(map[string]model.Notification),
		notifyOrder:   make(map[string][]string),
		items:         make(map[string]model.Item),
		claims:        make(map[string]model.Claim),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(context.WithValue(ctx, memoryTxKey{}, true))
}

func (s *MemoryStore) CreateTransition(_ context.Context, req *model.TransitionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transitions[req.ID]; ok {
		return model.ConflictErrorf("transition %s already exists", req.ID)
	}
	if !req.Status.IsTerminal() {
		if existing, ok := s.activeByItem[req.ItemID]; ok {
			return model.ConflictErrorf("item %s already has active transition %s", req.ItemID, existing)
		}
		s.activeByItem[req.ItemID] = req.ID
	}
	req.Version = 1
	s.transitions[req.ID] = cloneTransition(*req)
	return nil
}

func (s *MemoryStore) FindActiveTransition(_ context.Context, itemID string) (*model.TransitionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByItem[itemID]
	if !ok {
		return nil, nil
	}
	req := cloneTransition(s.transitions[id])
	return &req, nil
}

func (s *MemoryStore) GetTransition(_ context.Context, id string) (*model.TransitionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.transitions[id]
	if !ok {
		return nil, model.NotFoundErrorf("transition %s", id)
	}
	req = cloneTransition(req)
	return &req, nil
}

func (s *MemoryStore) UpdateTransition(_ context.Context, req *model.TransitionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.transitions[req.ID]
	if !ok {
		return model.NotFoundErrorf("transition %s", req.ID)
	}
	if stored.Version != req.Version {
		return model.ErrVersionConflict
	}
	req.Version++
	s.transitions[req.ID] = cloneTransition(*req)
	if req.Status.IsTerminal() && s.activeByItem[req.ItemID] == req.ID {
		delete(s.activeByItem, req.ItemID)
	}
	return nil
}

func (s *MemoryStore) CountTransitionsByStatus(_ context.Context) (map[model.TransitionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.TransitionStatus]int)
	for _, req := range s.transitions {
		counts[req.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) InsertConflicts(_ context.Context, conflicts []model.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range conflicts {
		if _, ok := s.conflicts[c.ID]; ok {
			return model.ConflictErrorf("conflict %s already exists", c.ID)
		}
		s.conflicts[c.ID] = c
		s.conflictOrder[c.RequestID] = append(s.conflictOrder[c.RequestID], c.ID)
	}
	return nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, requestID string) ([]model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Conflict, 0, len(s.conflictOrder[requestID]))
	for _, id := range s.conflictOrder[requestID] {
		out = append(out, s.conflicts[id])
	}
	return out, nil
}

func (s *MemoryStore) ListConflictsByEntity(_ context.Context, entityID string) ([]model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conflict
	for _, c := range s.conflicts {
		if c.EntityID == entityID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateConflict(_ context.Context, c *model.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conflicts[c.ID]; !ok {
		return model.NotFoundErrorf("conflict %s", c.ID)
	}
	s.conflicts[c.ID] = *c
	return nil
}

func (s *MemoryStore) AppendResolution(_ context.Context, r *model.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolutionSeq[r.ConflictID]++
	r.Seq = s.resolutionSeq[r.ConflictID]
	s.resolutions = append(s.resolutions, *r)
	return nil
}

func (s *MemoryStore) ListResolutions(_ context.Context, requestID string) ([]model.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Resolution
	for _, r := range s.resolutions {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ConflictID != out[j].ConflictID {
			return out[i].ConflictID < out[j].ConflictID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[n.ID]; ok {
		return model.ConflictErrorf("notification %s already exists", n.ID)
	}
	s.notifications[n.ID] = cloneNotification(*n)
	s.notifyOrder[n.RequestID] = append(s.notifyOrder[n.RequestID], n.ID)
	return nil
}

func (s *MemoryStore) UpdateNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[n.ID]; !ok {
		return model.NotFoundErrorf("notification %s", n.ID)
	}
	s.notifications[n.ID] = cloneNotification(*n)
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id string) (*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, model.NotFoundErrorf("notification %s", id)
	}
	n = cloneNotification(n)
	return &n, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, requestID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Notification, 0, len(s.notifyOrder[requestID]))
	for _, id := range s.notifyOrder[requestID] {
		out = append(out, cloneNotification(s.notifications[id]))
	}
	return out, nil
}

func (s *MemoryStore) ListOverdueNotifications(_ context.Context, now time.Time) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Notification
	for _, n := range s.notifications {
		if n.Overdue(now) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateItem(_ context.Context, item *model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return model.ConflictErrorf("item %s already exists", item.ID)
	}
	if item.Version == 0 {
		item.Version = 1
	}
	s.items[item.ID] = *item
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (*model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, model.NotFoundErrorf("item %s", id)
	}
	return &item, nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, item *model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[item.ID]
	if !ok {
		return model.NotFoundErrorf("item %s", item.ID)
	}
	if stored.Version != item.Version {
		return model.ErrVersionConflict
	}
	item.Version++
	s.items[item.ID] = *item
	return nil
}

func (s *MemoryStore) CreateClaim(_ context.Context, claim *model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[claim.ID]; ok {
		return model.ConflictErrorf("claim %s already exists", claim.ID)
	}
	if claim.Version == 0 {
		claim.Version = 1
	}
	s.claims[claim.ID] = *claim
	return nil
}

func (s *MemoryStore) GetClaim(_ context.Context, id string) (*model.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, ok := s.claims[id]
	if !ok {
		return nil, model.NotFoundErrorf("claim %s", id)
	}
	return &claim, nil
}

func (s *MemoryStore) ListOpenClaims(_ context.Context, itemID string) ([]model.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Claim
	for _, c := range s.claims {
		if c.ItemID == itemID && c.Status.Open() {
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out, nil
}

func (s *MemoryStore) UpdateClaim(_ context.Context, claim *model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.claims[claim.ID]
	if !ok {
		return model.NotFoundErrorf("claim %s", claim.ID)
	}
	if stored.Version != claim.Version {
		return model.ErrVersionConflict
	}
	claim.Version++
	s.claims[claim.ID] = *claim
	return nil
}

func (s *MemoryStore) RestoreSnapshot(_ context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.items[snap.Item.ID]; ok {
		item := snap.Item
		item.Version = stored.Version + 1
		s.items[item.ID] = item
	}
	for _, c := range snap.Claims {
		stored, ok := s.claims[c.ID]
		if !ok {
			return model.NotFoundErrorf("claim %s", c.ID)
		}
		c.Version = stored.Version + 1
		s.claims[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, requestID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditEntry
	for _, e := range s.audit {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func sortClaims(claims []model.Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if !claims[i].StartAt.Equal(claims[j].StartAt) {
			return claims[i].StartAt.Before(claims[j].StartAt)
		}
		return claims[i].ID < claims[j].ID
	})
}

func cloneTransition(r model.TransitionRequest) model.TransitionRequest {
	if r.ApprovalReasons != nil {
		r.ApprovalReasons = append([]string(nil), r.ApprovalReasons...)
	}
	return r
}

func cloneNotification(n model.Notification) model.Notification {
	if n.Payload != nil {
		payload := make(map[string]string, len(n.Payload))
		for k, v := range n.Payload {
			payload[k] = v
		}
		n.Payload = payload
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
