package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/plaenen/eventcore/pkg/cid"
	"github.com/plaenen/eventcore/pkg/objectstore"
)

type recordingPublisher struct {
	published []StoredEvent
}

func (r *recordingPublisher) PublishEvent(_ context.Context, e StoredEvent) error {
	r.published = append(r.published, e)
	return nil
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	objects, err := objectstore.New(bucket, objectstore.Config{})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	store, err := New(objects, WithMemoryDatabase(), WithWALMode(false), WithPublisher(pub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, pub
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cid.Encode(v)
	require.NoError(t, err)
	return b
}

func TestAppendAssignsSequencesAndPublishes(t *testing.T) {
	store, pub := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{
		{ID: "e1", AggregateID: "acct-1", AggregateType: "Account", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "opened")},
		{ID: "e2", AggregateID: "acct-1", AggregateType: "Account", EventType: "Deposited", Timestamp: time.Now(), Payload: mustEncode(t, 100)},
	}

	result, err := store.Append(ctx, "acct-1", events, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.FinalVersion)
	assert.Equal(t, int64(1), result.Events[0].Sequence)
	assert.Equal(t, int64(2), result.Events[1].Sequence)
	assert.Nil(t, result.Events[0].PreviousCID)
	require.NotNil(t, result.Events[1].PreviousCID)
	assert.True(t, result.Events[1].PreviousCID.Equal(result.Events[0].CID))

	require.Len(t, pub.published, 2)
}

func TestAppendRejectsWrongExpectedVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{{ID: "e1", AggregateID: "acct-2", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "x")}}
	_, err := store.Append(ctx, "acct-2", events, 0)
	require.NoError(t, err)

	_, err = store.Append(ctx, "acct-2", events, 0)
	require.Error(t, err)
	var conflict *ErrConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)
}

func TestAppendIsIdempotentOnDuplicateCID(t *testing.T) {
	store, pub := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{{ID: "e1", AggregateID: "acct-3", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "same")}}
	first, err := store.Append(ctx, "acct-3", events, 0)
	require.NoError(t, err)

	version, err := store.LatestVersion(ctx, "acct-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_ = first
	_ = pub
}

func TestLoadReturnsOrderedEventsWithDecodedPayload(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{
		{ID: "e1", AggregateID: "acct-4", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "opened"), Metadata: map[string]string{"k": "v"}},
		{ID: "e2", AggregateID: "acct-4", EventType: "Closed", Timestamp: time.Now(), Payload: mustEncode(t, "closed")},
	}
	_, err := store.Append(ctx, "acct-4", events, 0)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "acct-4", 1, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	first := loaded[0].Event.(DomainEvent)
	assert.Equal(t, "e1", first.ID)
	assert.Equal(t, map[string]string{"k": "v"}, first.Metadata)

	var payload string
	require.NoError(t, cid.Decode(first.Payload, &payload))
	assert.Equal(t, "opened", payload)
}

func TestLoadFromCIDStartsAtThatEventInclusive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{
		{ID: "e1", AggregateID: "acct-5", EventType: "A", Timestamp: time.Now(), Payload: mustEncode(t, 1)},
		{ID: "e2", AggregateID: "acct-5", EventType: "B", Timestamp: time.Now(), Payload: mustEncode(t, 2)},
		{ID: "e3", AggregateID: "acct-5", EventType: "C", Timestamp: time.Now(), Payload: mustEncode(t, 3)},
	}
	result, err := store.Append(ctx, "acct-5", events, 0)
	require.NoError(t, err)

	loaded, err := store.LoadFromCID(ctx, result.Events[1].CID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(2), loaded[0].Sequence)
	assert.Equal(t, int64(3), loaded[1].Sequence)
}

func TestLatestVersionAndCIDForUnknownAggregate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.LatestVersion(ctx, "ghost")
	require.ErrorIs(t, err, ErrAggregateNotFound)

	_, err = store.LatestCID(ctx, "ghost")
	require.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestAppendIdempotentSkipsReplayedCommand(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{{ID: "e1", AggregateID: "acct-6", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "x")}}

	first, replayed, err := store.AppendIdempotent(ctx, "acct-6", events, 0, "cmd-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := store.AppendIdempotent(ctx, "acct-6", events, 0, "cmd-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.FinalVersion, second.FinalVersion)

	version, err := store.LatestVersion(ctx, "acct-6")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "the replayed command must not append a second time")
}

func TestRetryOnConflictRetriesWithFreshVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{{ID: "e1", AggregateID: "acct-7", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "x")}}
	_, err := store.Append(ctx, "acct-7", events, 0)
	require.NoError(t, err)

	attempts := 0
	err = store.RetryOnConflict(ctx, "acct-7", 3, func(expected int64) error {
		attempts++
		events := []DomainEvent{{ID: "e2", AggregateID: "acct-7", EventType: "Deposited", Timestamp: time.Now(), Payload: mustEncode(t, 1)}}
		_, err := store.Append(ctx, "acct-7", events, expected)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	version, err := store.LatestVersion(ctx, "acct-7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestReconcileOnStartupFindsNoOrphansUnderNormalOperation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := []DomainEvent{{ID: "e1", AggregateID: "acct-8", EventType: "Opened", Timestamp: time.Now(), Payload: mustEncode(t, "x")}}
	_, err := store.Append(ctx, "acct-8", events, 0)
	require.NoError(t, err)

	discarded, err := store.ReconcileOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, discarded)
}
