package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rentalhub-sale-api/internal/checkpoint"
	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/lock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

var (
	requester = model.Actor{ID: "user-1", Role: "manager"}
	approver  = model.Actor{ID: "user-2", Role: "admin", Elevated: true}
)

// recordingChannel captures sent notifications and can be told to fail.
type recordingChannel struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (c *recordingChannel) Send(_ context.Context, n *model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, *n)
	return nil
}

func (c *recordingChannel) Sent() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Notification(nil), c.sent...)
}

type testEnv struct {
	store       repository.Store
	memory      *repository.MemoryStore
	clock       *clock.Manual
	channel     *recordingChannel
	checkpoints *checkpoint.MemoryStore
	audit       *AuditLogger
	detector    *ConflictDetector
	executor    *ResolutionExecutor
	dispatcher  *NotificationDispatcher
	orch        *TransitionOrchestrator
}

type envConfig struct {
	policy ApprovalPolicy
	wrap   func(*repository.MemoryStore) repository.Store
	opts   []OrchestratorOption
}

type envOption func(*envConfig)

func withPolicy(p ApprovalPolicy) envOption {
	return func(c *envConfig) { c.policy = p }
}

func withStore(wrap func(*repository.MemoryStore) repository.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

func withOrchestratorOptions(opts ...OrchestratorOption) envOption {
	return func(c *envConfig) { c.opts = append(c.opts, opts...) }
}

func defaultPolicy() ApprovalPolicy {
	threshold := decimal.NewFromInt(500000)
	maxCustomers := 5
	return ApprovalPolicy{HighValueThreshold: &threshold, MaxAffectedCustomers: &maxCustomers}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := &envConfig{policy: defaultPolicy()}
	for _, opt := range opts {
		opt(cfg)
	}

	mem := repository.NewMemoryStore()
	var store repository.Store = mem
	if cfg.wrap != nil {
		store = cfg.wrap(mem)
	}
	clk := clock.NewManual(now)
	cps := checkpoint.NewMemoryStore(checkpoint.DefaultTTL, clk)
	t.Cleanup(cps.Stop)

	env := &testEnv{
		store:       store,
		memory:      mem,
		clock:       clk,
		channel:     &recordingChannel{},
		checkpoints: cps,
	}
	env.audit = NewAuditLogger(store, clk, nil)
	env.detector = NewConflictDetector(store, clk)
	env.dispatcher = NewNotificationDispatcher(store, env.channel, env.audit, clk, nil,
		WithPollInterval(20*time.Millisecond))
	env.executor = NewResolutionExecutor(store, store, env.dispatcher, env.audit, clk, nil,
		WithRetryOptions(WithBaseDelay(time.Millisecond)))
	env.orch = NewTransitionOrchestrator(OrchestratorDeps{
		Store:       store,
		Detector:    env.detector,
		Executor:    env.executor,
		Dispatcher:  env.dispatcher,
		Checkpoints: cps,
		Locker:      lock.NewMemoryLocker(),
		Audit:       env.audit,
		Clock:       clk,
	}, cfg.policy, cfg.opts...)
	return env
}

func (e *testEnv) seedItem(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.memory.CreateItem(context.Background(), &model.Item{
		ID:         id,
		LocationID: "loc-a",
		Status:     model.ItemAvailable,
		UpdatedAt:  now,
	}))
}

type claimSpec struct {
	id       string
	item     string
	kind     model.ClaimKind
	status   model.ClaimStatus
	customer string
	location string
	start    time.Duration
	end      time.Duration
	amount   string
}

func (e *testEnv) seedClaim(t *testing.T, s claimSpec) {
	t.Helper()
	amount := decimal.Zero
	if s.amount != "" {
		amount = decimal.RequireFromString(s.amount)
	}
	require.NoError(t, e.memory.CreateClaim(context.Background(), &model.Claim{
		ID:         s.id,
		ItemID:     s.item,
		Kind:       s.kind,
		Status:     s.status,
		CustomerID: s.customer,
		LocationID: s.location,
		StartAt:    now.Add(s.start),
		EndAt:      now.Add(s.end),
		Amount:     amount,
		UpdatedAt:  now,
	}))
}

func (e *testEnv) claim(t *testing.T, id string) *model.Claim {
	t.Helper()
	c, err := e.memory.GetClaim(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) item(t *testing.T, id string) *model.Item {
	t.Helper()
	it, err := e.memory.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it
}

func (e *testEnv) auditActions(t *testing.T, requestID string) []string {
	t.Helper()
	entries, err := e.memory.ListAudit(context.Background(), requestID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func countOf(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}

func initiate(t *testing.T, e *testEnv, itemID, price string, strategy model.ResolutionAction) *InitiateResult {
	t.Helper()
	res, err := e.orch.Initiate(context.Background(), requester, InitiateInput{
		ItemID:    itemID,
		SalePrice: decimal.RequireFromString(price),
		Strategy:  strategy,
	})
	require.NoError(t, err)
	return res
}

var errDiskFull = errors.New("disk full")

// failingClaimStore fails the nth UpdateClaim call with a storage error.
type failingClaimStore struct {
	*repository.MemoryStore

	mu    sync.Mutex
	calls int
	failN int
}

func (s *failingClaimStore) UpdateClaim(ctx context.Context, claim *model.Claim) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failN
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryStore.UpdateClaim(ctx, claim)
}
