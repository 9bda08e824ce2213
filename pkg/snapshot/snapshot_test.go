package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/plaenen/eventcore/pkg/objectstore"
)

type accountState struct {
	Balance int64
	Owner   string
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	objects, err := objectstore.New(bucket, objectstore.Config{})
	require.NoError(t, err)

	store, err := New(objects, WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := accountState{Balance: 500, Owner: "acct-1"}
	_, err := store.Save(ctx, "acct-1", "Account", 50, state, 1)
	require.NoError(t, err)

	snap, err := store.Latest(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.Sequence)

	var out accountState
	require.NoError(t, store.LoadState(ctx, snap, &out))
	assert.Equal(t, state, out)
}

func TestLatestReturnsHighestSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "acct-2", "Account", 10, accountState{Balance: 1}, 1)
	require.NoError(t, err)
	_, err = store.Save(ctx, "acct-2", "Account", 20, accountState{Balance: 2}, 1)
	require.NoError(t, err)

	snap, err := store.Latest(ctx, "acct-2")
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Sequence)
}

func TestAtOrBeforeFindsClosestSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "acct-3", "Account", 100, accountState{Balance: 9}, 1)
	require.NoError(t, err)

	snap, err := store.AtOrBefore(ctx, "acct-3", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Sequence)

	_, err = store.AtOrBefore(ctx, "acct-3", 50)
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLatestReturnsNotFoundForUnknownAggregate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Latest(ctx, "ghost")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDeleteOlderThanPrunesIndexOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "acct-4", "Account", 10, accountState{Balance: 1}, 1)
	require.NoError(t, err)
	_, err = store.Save(ctx, "acct-4", "Account", 20, accountState{Balance: 2}, 1)
	require.NoError(t, err)

	require.NoError(t, store.DeleteOlderThan(ctx, "acct-4", 20))

	_, err = store.AtOrBefore(ctx, "acct-4", 10)
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	snap, err := store.Latest(ctx, "acct-4")
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Sequence)
}

func TestSaveOverwritesSameSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, "acct-5", "Account", 10, accountState{Balance: 1}, 1)
	require.NoError(t, err)
	second, err := store.Save(ctx, "acct-5", "Account", 10, accountState{Balance: 2}, 2)
	require.NoError(t, err)

	snap, err := store.Latest(ctx, "acct-5")
	require.NoError(t, err)
	assert.Equal(t, second.CID.String(), snap.CID.String())
	assert.Equal(t, 2, snap.SchemaVersion)
}
