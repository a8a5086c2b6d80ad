package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/docstore"
	"github.com/JakeFAU/leadscout/internal/docstore/memory"
	"github.com/JakeFAU/leadscout/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func key(n int) string { return fmt.Sprintf("AIza%035d", n) }

func setup(t *testing.T, perClass int) (*Store, *credentials.Pool, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	docs := memory.New()
	clock := fixedClock{now: now}
	pool, err := credentials.Open(ctx, docs, clock, nil)
	require.NoError(t, err)
	for i := 0; i < perClass; i++ {
		require.NoError(t, pool.Add(ctx, harvest.ClassSearch, key(i), "test"))
		require.NoError(t, pool.Add(ctx, harvest.ClassAI, key(100+i), "test"))
	}
	store, err := Open(ctx, docs, pool, clock, nil)
	require.NoError(t, err)
	return store, pool, docs
}

func TestProvisionAssignsTierKeys(t *testing.T) {
	t.Parallel()

	store, pool, docs := setup(t, 4)
	ctx := context.Background()

	paid, err := store.Provision(ctx, "paid-1", harvest.TierPaid, "fr")
	require.NoError(t, err)
	require.Len(t, paid.AssignedSearchKeys, 3)
	require.Len(t, paid.AssignedAIKeys, 3)
	require.Equal(t, now, paid.DailyQuota.LastReset)

	trial, err := store.Provision(ctx, "trial-1", harvest.TierTrial, "ar")
	require.NoError(t, err)
	require.Len(t, trial.AssignedSearchKeys, 1)
	require.NotContains(t, paid.AssignedSearchKeys, trial.AssignedSearchKeys[0])

	_, err = store.Provision(ctx, "trial-2", harvest.TierTrial, "")
	var shortage *harvest.ShortageError
	require.ErrorAs(t, err, &shortage)
	_, err = store.Get("trial-2")
	require.ErrorIs(t, err, harvest.ErrAccountNotFound)

	_, err = store.Provision(ctx, "paid-1", harvest.TierTrial, "")
	require.ErrorIs(t, err, harvest.ErrAccountExists)

	st := pool.Stats()
	require.Equal(t, 4, st.Assigned[harvest.ClassSearch])

	reopened, err := Open(ctx, docs, pool, fixedClock{now: now}, nil)
	require.NoError(t, err)
	require.Len(t, reopened.List(), 2)
}

func TestProvisionValidates(t *testing.T) {
	t.Parallel()

	store, _, _ := setup(t, 1)
	var vErr *harvest.ValidationError
	_, err := store.Provision(context.Background(), " ", harvest.TierTrial, "")
	require.ErrorAs(t, err, &vErr)
	_, err = store.Provision(context.Background(), "x", "vip", "")
	require.ErrorAs(t, err, &vErr)
}

type failingCommit struct{ *credentials.Pool }

func (failingCommit) Commit(context.Context, harvest.Allocation, string) error {
	return errors.New("pool unavailable")
}

func TestProvisionCommitFailureKeepsNothing(t *testing.T) {
	t.Parallel()

	_, pool, docs := setup(t, 1)
	store, err := Open(context.Background(), docs, failingCommit{pool}, fixedClock{now: now}, nil)
	require.NoError(t, err)

	_, err = store.Provision(context.Background(), "a", harvest.TierTrial, "")
	require.ErrorContains(t, err, "pool unavailable")
	require.Empty(t, store.List())
	require.Zero(t, pool.Stats().Assigned[harvest.ClassSearch])
}

type releaseOnly struct {
	*credentials.Pool
	docs *memory.Store
}

func (r releaseOnly) Commit(ctx context.Context, alloc harvest.Allocation, id string) error {
	if err := r.Pool.Commit(ctx, alloc, id); err != nil {
		return err
	}
	// Break the account write that follows the commit.
	r.docs.SetFailSaves(true)
	return nil
}

func (r releaseOnly) Release(ctx context.Context, id string) (int, error) {
	r.docs.SetFailSaves(false)
	return r.Pool.Release(ctx, id)
}

func TestProvisionSaveFailureReleasesKeys(t *testing.T) {
	t.Parallel()

	_, pool, docs := setup(t, 1)
	store, err := Open(context.Background(), docs, releaseOnly{Pool: pool, docs: docs}, fixedClock{now: now}, nil)
	require.NoError(t, err)

	_, err = store.Provision(context.Background(), "a", harvest.TierTrial, "")
	require.Error(t, err)
	require.Empty(t, store.List())
	require.Zero(t, pool.Stats().Assigned[harvest.ClassSearch])
	require.Equal(t, 1, pool.Stats().Available[harvest.ClassAI])
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	store, pool, _ := setup(t, 3)
	ctx := context.Background()
	_, err := store.Provision(ctx, "paid", harvest.TierPaid, "")
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "paid"))
	require.NoError(t, store.Remove(ctx, "paid"))
	require.NoError(t, store.Remove(ctx, "never-existed"))

	require.Equal(t, 3, pool.Stats().Available[harvest.ClassSearch])
	_, err = store.Get("paid")
	require.ErrorIs(t, err, harvest.ErrAccountNotFound)
}

// keyFailer fails saves of one document key while fail is set.
type keyFailer struct {
	docstore.Store
	key  string
	fail atomic.Bool
}

func (k *keyFailer) Save(ctx context.Context, key string, doc []byte) error {
	if key == k.key && k.fail.Load() {
		return errors.New("disk full")
	}
	return k.Store.Save(ctx, key, doc)
}

func TestRemoveSaveFailureKeepsKeysAssigned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := fixedClock{now: now}
	docs := &keyFailer{Store: memory.New(), key: docstore.KeyAccounts}
	pool, err := credentials.Open(ctx, docs, clock, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Add(ctx, harvest.ClassSearch, key(0), "test"))
	require.NoError(t, pool.Add(ctx, harvest.ClassAI, key(100), "test"))
	store, err := Open(ctx, docs, pool, clock, nil)
	require.NoError(t, err)
	_, err = store.Provision(ctx, "a", harvest.TierTrial, "")
	require.NoError(t, err)

	docs.fail.Store(true)
	require.Error(t, store.Remove(ctx, "a"))
	docs.fail.Store(false)

	acct, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, []string{key(0)}, acct.AssignedSearchKeys)
	require.Equal(t, 1, pool.Stats().Assigned[harvest.ClassSearch])

	var shortage *harvest.ShortageError
	_, err = store.Provision(ctx, "b", harvest.TierTrial, "")
	require.ErrorAs(t, err, &shortage, "a key still owned by a is never handed to b")

	require.NoError(t, store.Remove(ctx, "a"))
	b, err := store.Provision(ctx, "b", harvest.TierTrial, "")
	require.NoError(t, err)
	require.Equal(t, []string{key(0)}, b.AssignedSearchKeys)
}

func TestRemoveRetryReleasesLeftoverKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, pool, _ := setup(t, 1)
	_, err := store.Provision(ctx, "a", harvest.TierTrial, "")
	require.NoError(t, err)

	// Simulate a removal whose release step failed after the account was deleted.
	store.mu.Lock()
	next := store.cloneLocked()
	delete(next, "a")
	require.NoError(t, store.persistLocked(ctx, next))
	store.mu.Unlock()
	require.Equal(t, 1, pool.Stats().Assigned[harvest.ClassSearch])

	require.NoError(t, store.Remove(ctx, "a"))
	require.Zero(t, pool.Stats().Assigned[harvest.ClassSearch])
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	store, _, docs := setup(t, 1)
	ctx := context.Background()
	_, err := store.Provision(ctx, "a", harvest.TierTrial, "")
	require.NoError(t, err)

	require.NoError(t, store.UpdateQuota(ctx, "a", harvest.DailyQuota{Date: "2025-06-01", Used: 1, LastReset: now}))
	require.NoError(t, store.SetStage(ctx, "a", "awaiting_niche"))
	acct, err := store.Get("a")
	require.NoError(t, err)
	require.Equal(t, 1, acct.DailyQuota.Used)
	require.Equal(t, "awaiting_niche", acct.Stage)

	boom := errors.New("rejected")
	_, err = store.Update(ctx, "a", func(a *harvest.Account) error {
		a.Stage = "changed"
		return boom
	})
	require.ErrorIs(t, err, boom)
	acct, _ = store.Get("a")
	require.Equal(t, "awaiting_niche", acct.Stage)

	docs.SetFailSaves(true)
	require.Error(t, store.SetStage(ctx, "a", "lost"))
	acct, _ = store.Get("a")
	require.Equal(t, "awaiting_niche", acct.Stage)

	require.ErrorIs(t, store.SetStage(ctx, "ghost", "x"), harvest.ErrAccountNotFound)
}
