// Package syncer wires the history fetch, the live channel and the resolver
// into one lifecycle and exposes the single read surface the rendering layer
// consumes. Orchestration only; every rule about merging and rollback lives
// in the store and the resolver.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/pulsegram/notifsync/internal/live"
	"github.com/pulsegram/notifsync/internal/model"
	"github.com/pulsegram/notifsync/internal/normalize"
	"github.com/pulsegram/notifsync/internal/resolver"
	"github.com/pulsegram/notifsync/internal/store"
)

type historyFetcher interface {
	FetchHistory(ctx context.Context) ([]json.RawMessage, error)
}

type supervisor interface {
	Run(ctx context.Context)
	State() live.State
	OnReconnect(fn func(ctx context.Context))
}

// Controller is the session-scoped owner of the sync core.
type Controller struct {
	store      *store.Store
	fetcher    historyFetcher
	normalizer *normalize.Normalizer
	resolver   *resolver.Resolver
	super      supervisor
	strategy   retry.Strategy

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a Controller. The supervisor must have been created with the
// controller as its sink (see IngestPush).
func New(st *store.Store, f historyFetcher, n *normalize.Normalizer, r *resolver.Resolver, sup supervisor, strategy retry.Strategy) *Controller {
	return &Controller{
		store:      st,
		fetcher:    f,
		normalizer: n,
		resolver:   r,
		super:      sup,
		strategy:   strategy,
	}
}

// Start loads the persisted history, then attaches the live channel. It
// returns an error when the initial load fails after retries; nothing is
// attached in that case and Start may be called again.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.loadHistory(ctx); err != nil {
		return fmt.Errorf("initial history load: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("already started")
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.super.OnReconnect(func(ctx context.Context) {
		// Push delivery is not gap-free across a disconnect window; the
		// supplementary fetch is the correctness backstop.
		if err := c.loadHistory(ctx); err != nil {
			zlog.Logger.Error().Err(err).Msg("gap-closing history fetch failed")
		}
	})

	go func() {
		defer close(done)
		c.super.Run(runCtx)
	}()
	return nil
}

// Stop tears the live channel down, waits for it to exit and closes the
// store. In-flight confirmations complete on their own, but the closed store
// swallows their results and rollbacks, and no change callback fires after
// Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.store.Close()
}

// loadHistory fetches the persisted notifications and merges them. Malformed
// payloads are dropped one by one, never failing the page.
func (c *Controller) loadHistory(ctx context.Context) error {
	var raws []json.RawMessage

	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var fetchErr error
		raws, fetchErr = c.fetcher.FetchHistory(ctx)
		if fetchErr != nil {
			zlog.Logger.Warn().Err(fetchErr).Msg("history fetch failed")
		}
		return fetchErr
	}, c.strategy)
	if err != nil {
		return err
	}

	recs := make([]model.Record, 0, len(raws))
	for _, raw := range raws {
		rec, rel, nerr := c.normalizer.Normalize(raw, model.OriginFetched)
		if nerr != nil {
			zlog.Logger.Warn().Err(nerr).Msg("dropping malformed history payload")
			continue
		}
		if rel != nil {
			c.store.UpsertRelationship(*rel)
		}
		recs = append(recs, rec)
	}
	c.store.BulkUpsert(recs)
	return nil
}

// IngestPush feeds one live-channel message through the normalize-and-merge
// pipeline. Implements the supervisor's sink.
func (c *Controller) IngestPush(raw []byte) {
	rec, rel, err := c.normalizer.Normalize(raw, model.OriginPushed)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("dropping malformed push payload")
		return
	}
	if rel != nil {
		c.store.UpsertRelationship(*rel)
	}
	c.store.Upsert(rec)
}

// OnChange registers the callback fired whenever Snapshot would return a
// different result.
func (c *Controller) OnChange(fn func()) {
	c.store.SetOnChange(fn)
}

// Snapshot returns the ordered notification list.
func (c *Controller) Snapshot() []model.Record {
	return c.store.Snapshot()
}

// UnreadCount returns the current unread counter.
func (c *Controller) UnreadCount() int {
	return c.store.UnreadCount()
}

// LiveState reports the live channel state, e.g. for a reconnecting
// indicator.
func (c *Controller) LiveState() live.State {
	return c.super.State()
}

// MarkRead forwards to the resolver.
func (c *Controller) MarkRead(ctx context.Context, id string) error {
	return c.resolver.MarkRead(ctx, id)
}

// MarkAllRead forwards to the resolver.
func (c *Controller) MarkAllRead(ctx context.Context) error {
	return c.resolver.MarkAllRead(ctx)
}

// Accept forwards to the resolver.
func (c *Controller) Accept(ctx context.Context, requestID string) error {
	return c.resolver.Accept(ctx, requestID)
}

// Decline forwards to the resolver.
func (c *Controller) Decline(ctx context.Context, requestID string) error {
	return c.resolver.Decline(ctx, requestID)
}

// Delete forwards to the resolver.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.resolver.Delete(ctx, id)
}
