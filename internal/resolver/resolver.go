// Package resolver applies user actions to the notification store: mark-read,
// accept/decline of friend requests and delete.
//
// Every action is locally optimistic and server-confirmed: the store reflects
// the action immediately, the corresponding server call runs with a bounded
// timeout, and a failure rolls the local mutation back. Responses are guarded
// by a per-id sequence so a slow confirmation can never undo a newer action
// on the same record.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/pulsegram/notifsync/internal/client"
	"github.com/pulsegram/notifsync/internal/model"
	"github.com/pulsegram/notifsync/internal/store"
)

// ErrUnknownRequest is returned when no notification owns the given
// friend-request id.
var ErrUnknownRequest = errors.New("unknown friend request")

// ActionFailedError reports a server-rejected or timed-out action. The local
// mutation has already been rolled back; the caller may retry.
type ActionFailedError struct {
	Op  string
	ID  string
	Err error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }

type backend interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	ResolveRequest(ctx context.Context, requestID string, status model.RequestStatus) (model.RequestStatus, error)
	DeleteNotification(ctx context.Context, id string) error
}

// Resolver mutates the store optimistically and confirms with the backend.
type Resolver struct {
	store   *store.Store
	backend backend
	timeout time.Duration

	mu  sync.Mutex
	seq map[string]uint64
}

// New creates a Resolver. The timeout bounds each confirmation call; a
// timeout is treated like any other server error.
func New(st *store.Store, b backend, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		store:   st,
		backend: b,
		timeout: timeout,
		seq:     make(map[string]uint64),
	}
}

// begin issues a new sequence token for the record id. Confirmations carrying
// an older token are stale and must be discarded.
func (r *Resolver) begin(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[id]++
	return r.seq[id]
}

func (r *Resolver) isCurrent(id string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq[id] == token
}

// MarkRead marks a notification read. Unknown or already-read ids are no-ops.
func (r *Resolver) MarkRead(ctx context.Context, id string) error {
	if !r.store.MarkRead(id) {
		return nil
	}
	token := r.begin(id)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.backend.MarkRead(callCtx, id); err != nil {
		if !r.isCurrent(id, token) {
			zlog.Logger.Debug().Str("id", id).Msg("stale mark-read response discarded")
			return nil
		}
		r.store.RevertRead(id)
		return &ActionFailedError{Op: "mark read", ID: id, Err: err}
	}
	return nil
}

// MarkAllRead marks every notification read. On failure all records it
// changed are reverted.
func (r *Resolver) MarkAllRead(ctx context.Context) error {
	ids := r.store.MarkAllRead()
	if len(ids) == 0 {
		return nil
	}
	tokens := make(map[string]uint64, len(ids))
	for _, id := range ids {
		tokens[id] = r.begin(id)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.backend.MarkAllRead(callCtx); err != nil {
		for _, id := range ids {
			if r.isCurrent(id, tokens[id]) {
				r.store.RevertRead(id)
			}
		}
		return &ActionFailedError{Op: "mark all read", ID: "*", Err: err}
	}
	return nil
}

// Accept accepts the friend request with the given id.
func (r *Resolver) Accept(ctx context.Context, requestID string) error {
	return r.resolve(ctx, requestID, model.ResolutionAccepted, model.RequestAccepted)
}

// Decline declines the friend request with the given id.
func (r *Resolver) Decline(ctx context.Context, requestID string) error {
	return r.resolve(ctx, requestID, model.ResolutionDeclined, model.RequestDeclined)
}

func (r *Resolver) resolve(ctx context.Context, requestID string, res model.Resolution, status model.RequestStatus) error {
	rec, ok := r.store.BySubject(requestID)
	if !ok || rec.Kind != model.KindFriendRequest {
		return &ActionFailedError{Op: string(res), ID: requestID, Err: ErrUnknownRequest}
	}
	if !r.store.Resolve(rec.ID, res) {
		// Already settled, locally or on another device.
		return nil
	}
	prevStatus, hadRel := r.store.SetRelationshipStatus(requestID, status)
	token := r.begin(rec.ID)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	serverStatus, err := r.backend.ResolveRequest(callCtx, requestID, status)
	if err != nil {
		if !r.isCurrent(rec.ID, token) {
			zlog.Logger.Debug().Str("request_id", requestID).Msg("stale resolve response discarded")
			return nil
		}
		r.store.RevertResolution(rec.ID)
		if hadRel {
			r.store.SetRelationshipStatus(requestID, prevStatus)
		}
		return &ActionFailedError{Op: string(res), ID: requestID, Err: err}
	}

	if serverStatus != "" && serverStatus != status {
		// The server settled differently, e.g. the request was answered
		// elsewhere first. The settled state stands; forward-only merge keeps
		// the local record terminal.
		zlog.Logger.Warn().
			Str("request_id", requestID).
			Str("requested", string(status)).
			Str("settled", string(serverStatus)).
			Msg("friend request settled with a different status")
		if hadRel {
			r.store.SetRelationshipStatus(requestID, serverStatus)
		}
	}
	return nil
}

// Delete removes a notification. The removed record is kept as a tombstone
// and reinserted if the server call fails. Unknown ids are no-ops.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	tombstone, ok := r.store.Remove(id)
	if !ok {
		return nil
	}
	token := r.begin(id)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.backend.DeleteNotification(callCtx, id); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			// Already gone on the server, e.g. deleted on another device.
			return nil
		}
		if !r.isCurrent(id, token) {
			zlog.Logger.Debug().Str("id", id).Msg("stale delete response discarded")
			return nil
		}
		r.store.Reinsert(tombstone)
		return &ActionFailedError{Op: "delete", ID: id, Err: err}
	}
	return nil
}
