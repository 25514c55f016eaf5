package intents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	svc := NewService(store, testConfig(), nil, nil)
	created, err := svc.CreateIntent(ctx, request("pg-1", "42.5"))
	require.NoError(t, err)
	id := created.IntentID()

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pg-1", got.ReferenceID)
	assert.Equal(t, 0, got.TotalAmount.Cmp(created.Intent.TotalAmount))
	assert.Equal(t, created.Intent.Recipients, got.Recipients)
	assert.Equal(t, created.Intent.SplitBPS, got.SplitBPS)

	err = store.Create(ctx, created.Intent)
	assert.Error(t, err, "duplicate id")

	dup := *created.Intent
	dup.ID = "pi_other"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrIntentPending)

	pending, err := store.FindPending(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, id, pending.ID)

	// Not yet due.
	assert.ErrorIs(t, store.Expire(ctx, id, now), ErrNotPending)
	expired, err := store.ExpireDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	require.NoError(t, store.Complete(ctx, id, "st_pg", now))
	assert.ErrorIs(t, store.Complete(ctx, id, "st_pg2", now), ErrNotPending)
	assert.ErrorIs(t, store.Complete(ctx, "pi_missing", "st", now), ErrNotFound)

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "st_pg", got.SettlementID)

	_, err = store.FindPending(ctx, "pg-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ExpireDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	svc := NewService(store, testConfig(), nil, nil)

	a, err := svc.CreateIntent(ctx, request("pg-a", "1"))
	require.NoError(t, err)
	_, err = svc.CreateIntent(ctx, request("pg-b", "1"))
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	expired, err := store.ExpireDue(ctx, later, 1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, StatusExpired, expired[0].Status)

	expired, err = store.ExpireDue(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	got, err := store.Get(ctx, a.IntentID())
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.ErrorIs(t, store.Complete(ctx, a.IntentID(), "st", later), ErrNotPending)
}
