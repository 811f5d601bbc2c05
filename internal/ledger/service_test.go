package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore keeps ledger state in memory and counts calls so tests can assert
// that planning never mutates anything.
type fakeStore struct {
	balances  map[int64]int
	freeUsed  map[int64]int
	users     map[int64]string
	chargeLog []int
	writes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances: make(map[int64]int),
		freeUsed: make(map[int64]int),
		users:    make(map[int64]string),
	}
}

func (f *fakeStore) EnsureUser(_ context.Context, userID int64, username string) error {
	f.users[userID] = username
	return nil
}

func (f *fakeStore) Balance(_ context.Context, userID int64) (int, error) {
	return f.balances[userID], nil
}

func (f *fakeStore) FreeUsed(_ context.Context, userID int64) (int, error) {
	return f.freeUsed[userID], nil
}

func (f *fakeStore) IncFreeUsed(_ context.Context, userID int64) error {
	f.freeUsed[userID]++
	f.writes++
	return nil
}

func (f *fakeStore) AddBalance(_ context.Context, userID int64, delta int, _ string) error {
	f.balances[userID] += delta
	f.writes++
	return nil
}

func (f *fakeStore) Charge(_ context.Context, userID, _ int64, amount int) (bool, error) {
	if f.balances[userID] < amount {
		return false, nil
	}
	f.balances[userID] -= amount
	f.chargeLog = append(f.chargeLog, amount)
	f.writes++
	return true, nil
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(store, discardLogger())
	require.NoError(t, err)
	return svc
}

func TestPlanPreviewIsPure(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)

	for i := 0; i < 10; i++ {
		_, err := svc.PlanPreview(context.Background(), 42, 5, false)
		require.NoError(t, err)
	}
	assert.Zero(t, store.writes, "planning must not mutate the ledger")
}

func TestFreeQuotaThenPaid(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	for i := 0; i < FreeQuota; i++ {
		plan, err := svc.PlanPreview(ctx, 7, 5, false)
		require.NoError(t, err)
		assert.True(t, plan.Allowed)
		assert.True(t, plan.IsFree)
		assert.Zero(t, plan.Cost)

		ok, err := svc.CommitPreviewCharge(ctx, 7, plan.Cost, plan.IsFree)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Quota exhausted, no balance: plan must be rejected with the shortfall.
	plan, err := svc.PlanPreview(ctx, 7, 5, false)
	require.NoError(t, err)
	assert.False(t, plan.Allowed)
	assert.False(t, plan.IsFree)
	assert.Equal(t, 55, plan.Cost)
	assert.Equal(t, 55, plan.Shortfall)
}

func TestPaidPlanAndCommit(t *testing.T) {
	store := newFakeStore()
	store.freeUsed[7] = FreeQuota
	store.balances[7] = 100
	svc := newTestService(t, store)
	ctx := context.Background()

	plan, err := svc.PlanPreview(ctx, 7, 5, false)
	require.NoError(t, err)
	assert.True(t, plan.Allowed)
	assert.Equal(t, 55, plan.Cost)

	ok, err := svc.CommitPreviewCharge(ctx, 7, plan.Cost, plan.IsFree)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 45, store.balances[7])
}

func TestCommitRaceReturnsFalse(t *testing.T) {
	store := newFakeStore()
	store.freeUsed[7] = FreeQuota
	store.balances[7] = 60
	svc := newTestService(t, store)
	ctx := context.Background()

	plan, err := svc.PlanPreview(ctx, 7, 5, false)
	require.NoError(t, err)
	require.True(t, plan.Allowed)

	// Баланс ушёл между планом и списанием.
	store.balances[7] = 10

	ok, err := svc.CommitPreviewCharge(ctx, 7, plan.Cost, plan.IsFree)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 10, store.balances[7], "failed commit must not touch the balance")
}

func TestShortfallMath(t *testing.T) {
	store := newFakeStore()
	store.freeUsed[7] = FreeQuota
	store.balances[7] = 40
	svc := newTestService(t, store)

	plan, err := svc.PlanPreview(context.Background(), 7, 10, true)
	require.NoError(t, err)
	assert.False(t, plan.Allowed)
	assert.Equal(t, 150, plan.Cost)
	assert.Equal(t, 110, plan.Shortfall)
}
