package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegram/notifsync/internal/client"
	"github.com/pulsegram/notifsync/internal/model"
	"github.com/pulsegram/notifsync/internal/store"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend scripts the confirmation calls.
type fakeBackend struct {
	markReadErr   error
	markAllErr    error
	resolveErr    error
	resolveStatus model.RequestStatus
	deleteErr     error
	resolvedWith  model.RequestStatus
	markReadCalls int
	deleteCalls   int
	beforeConfirm func() // runs before each confirmation returns
}

func (f *fakeBackend) MarkRead(ctx context.Context, id string) error {
	f.markReadCalls++
	if f.beforeConfirm != nil {
		f.beforeConfirm()
	}
	return f.markReadErr
}

func (f *fakeBackend) MarkAllRead(ctx context.Context) error {
	if f.beforeConfirm != nil {
		f.beforeConfirm()
	}
	return f.markAllErr
}

func (f *fakeBackend) ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus) (model.RequestStatus, error) {
	f.resolvedWith = status
	if f.beforeConfirm != nil {
		f.beforeConfirm()
	}
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if f.resolveStatus != "" {
		return f.resolveStatus, nil
	}
	return status, nil
}

func (f *fakeBackend) DeleteNotification(ctx context.Context, id string) error {
	f.deleteCalls++
	if f.beforeConfirm != nil {
		f.beforeConfirm()
	}
	return f.deleteErr
}

func newFixture(backend *fakeBackend) (*Resolver, *store.Store) {
	st := store.New()
	return New(st, backend, time.Second), st
}

func seedFriendRequest(st *store.Store) {
	st.Upsert(model.Record{
		ID:         "n-1",
		Kind:       model.KindFriendRequest,
		SubjectID:  "fr-1",
		Text:       "Bo wants to be your friend",
		CreatedAt:  base,
		Resolution: model.ResolutionUnresolved,
		Origin:     model.OriginFetched,
	})
	st.UpsertRelationship(model.RelationshipRequest{
		ID: "fr-1", SenderID: "u-2", ReceiverID: "u-1", Status: model.RequestPending,
	})
}

func TestMarkRead_OptimisticThenConfirmed(t *testing.T) {
	backend := &fakeBackend{}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})

	require.NoError(t, r.MarkRead(context.Background(), "n-1"))
	got, _ := st.Get("n-1")
	assert.True(t, got.Read)
	assert.Equal(t, 0, st.UnreadCount())
}

func TestMarkRead_RollbackOnFailure(t *testing.T) {
	backend := &fakeBackend{markReadErr: errors.New("boom")}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})

	err := r.MarkRead(context.Background(), "n-1")
	var actionErr *ActionFailedError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "n-1", actionErr.ID)

	got, _ := st.Get("n-1")
	assert.False(t, got.Read)
	assert.Equal(t, 1, st.UnreadCount())
}

func TestMarkRead_AlreadyReadIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base, Read: true})

	require.NoError(t, r.MarkRead(context.Background(), "n-1"))
	assert.Equal(t, 0, backend.markReadCalls)
}

func TestAccept_OptimisticUpdatesBothRecords(t *testing.T) {
	backend := &fakeBackend{}
	r, st := newFixture(backend)
	seedFriendRequest(st)

	require.NoError(t, r.Accept(context.Background(), "fr-1"))

	got, _ := st.Get("n-1")
	assert.Equal(t, model.ResolutionAccepted, got.Resolution)
	rel, _ := st.Relationship("fr-1")
	assert.Equal(t, model.RequestAccepted, rel.Status)
	assert.Equal(t, model.RequestAccepted, backend.resolvedWith)
}

func TestAccept_RollbackOnFailure(t *testing.T) {
	backend := &fakeBackend{resolveErr: errors.New("boom")}
	r, st := newFixture(backend)
	seedFriendRequest(st)

	err := r.Accept(context.Background(), "fr-1")
	var actionErr *ActionFailedError
	require.ErrorAs(t, err, &actionErr)

	got, _ := st.Get("n-1")
	assert.Equal(t, model.ResolutionUnresolved, got.Resolution)
	assert.True(t, got.Actionable())
	rel, _ := st.Relationship("fr-1")
	assert.Equal(t, model.RequestPending, rel.Status)
}

func TestAccept_ThenStalePushStaysAccepted(t *testing.T) {
	backend := &fakeBackend{}
	r, st := newFixture(backend)
	seedFriendRequest(st)

	require.NoError(t, r.Accept(context.Background(), "fr-1"))

	// An in-flight push of the original unresolved event arrives late.
	st.Upsert(model.Record{
		ID:         "n-1",
		Kind:       model.KindFriendRequest,
		SubjectID:  "fr-1",
		Text:       "Bo wants to be your friend",
		CreatedAt:  base,
		Resolution: model.ResolutionUnresolved,
		Origin:     model.OriginPushed,
	})

	got, _ := st.Get("n-1")
	assert.Equal(t, model.ResolutionAccepted, got.Resolution)
}

func TestAccept_UnknownRequest(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newFixture(backend)

	err := r.Accept(context.Background(), "fr-404")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestAccept_AlreadySettledIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	r, st := newFixture(backend)
	seedFriendRequest(st)
	st.Resolve("n-1", model.ResolutionDeclined)

	require.NoError(t, r.Accept(context.Background(), "fr-1"))
	got, _ := st.Get("n-1")
	assert.Equal(t, model.ResolutionDeclined, got.Resolution)
	assert.Equal(t, model.RequestStatus(""), backend.resolvedWith)
}

func TestDecline_SettledDifferentlyOnServerWins(t *testing.T) {
	backend := &fakeBackend{resolveStatus: model.RequestAccepted}
	r, st := newFixture(backend)
	seedFriendRequest(st)

	require.NoError(t, r.Decline(context.Background(), "fr-1"))
	rel, _ := st.Relationship("fr-1")
	assert.Equal(t, model.RequestAccepted, rel.Status)
}

func TestDelete_RollbackReinsertsAtOriginalPosition(t *testing.T) {
	backend := &fakeBackend{deleteErr: errors.New("boom")}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})
	st.Upsert(model.Record{ID: "n-2", Kind: model.KindLike, Text: "y", CreatedAt: base.Add(-time.Hour)})

	err := r.Delete(context.Background(), "n-1")
	var actionErr *ActionFailedError
	require.ErrorAs(t, err, &actionErr)

	snap := st.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "n-1", snap[0].ID)
	assert.Equal(t, 2, st.UnreadCount())
}

func TestDelete_NotFoundOnServerIsSuccess(t *testing.T) {
	backend := &fakeBackend{deleteErr: client.ErrNotFound}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})

	require.NoError(t, r.Delete(context.Background(), "n-1"))
	assert.Equal(t, 0, st.Len())
}

func TestDelete_UnknownIDIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	r, _ := newFixture(backend)

	require.NoError(t, r.Delete(context.Background(), "missing"))
	assert.Equal(t, 0, backend.deleteCalls)
}

func TestStaleFailureDoesNotRevertNewerAction(t *testing.T) {
	// The first mark-read fails, but by the time its failure lands the user
	// has deleted and the record was re-pushed and marked read again; the
	// stale revert must be discarded.
	st := store.New()
	backend := &fakeBackend{markReadErr: errors.New("boom")}
	r := New(st, backend, time.Second)

	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})

	// Simulate a newer operation being issued while the first confirmation
	// is in flight.
	backend.beforeConfirm = func() {
		backend.beforeConfirm = nil
		r.begin("n-1")
	}

	require.NoError(t, r.MarkRead(context.Background(), "n-1"))

	got, _ := st.Get("n-1")
	assert.True(t, got.Read, "stale revert must not undo the newer state")
}

func TestMarkAllRead_RollbackRevertsOnlyChangedRecords(t *testing.T) {
	backend := &fakeBackend{markAllErr: errors.New("boom")}
	r, st := newFixture(backend)
	st.Upsert(model.Record{ID: "n-1", Kind: model.KindLike, Text: "x", CreatedAt: base})
	st.Upsert(model.Record{ID: "n-2", Kind: model.KindLike, Text: "y", CreatedAt: base, Read: true})

	err := r.MarkAllRead(context.Background())
	var actionErr *ActionFailedError
	require.ErrorAs(t, err, &actionErr)

	assert.Equal(t, 1, st.UnreadCount())
	got, _ := st.Get("n-2")
	assert.True(t, got.Read)
}
