// Package store holds the session's merged view of notification records.
//
// The store is the single shared mutable resource of the sync core: the
// history loader, the live channel and the resolver all mutate it through the
// operations below, never by direct field access. Every remote-sourced
// mutation goes through the same reconciliation rule, so re-delivering an
// event, or delivering an older event after a newer one, never regresses
// visible state.
package store

import (
	"sort"
	"sync"

	"github.com/pulsegram/notifsync/internal/model"
)

// Store is a mutex-guarded, deduplicating collection of notification records
// plus the relationship rows their friend-request entries point at.
type Store struct {
	mu            sync.Mutex
	records       map[string]*model.Record
	relationships map[string]*model.RelationshipRequest
	unread        int
	onChange      func()
	closed        bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records:       make(map[string]*model.Record),
		relationships: make(map[string]*model.RelationshipRequest),
	}
}

// SetOnChange registers a callback invoked after any mutation that changed
// what Snapshot or UnreadCount would return. Invoked outside the lock.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Close freezes the store when its session ends. Every later mutation is a
// no-op and the change callback never fires again, so a confirmation or
// rollback still in flight lands nowhere. Reads keep returning the frozen
// state.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.onChange = nil
	s.mu.Unlock()
}

// Upsert merges one delivered record into the store by id and reports whether
// visible state changed.
//
// Reconciliation is field-by-field and forward-only: read is the OR of all
// deliveries, a terminal resolution is never overwritten, and display fields
// follow the newest createdAt seen. Applying the same event twice, or an
// older event after a newer one, is a no-op.
func (s *Store) Upsert(rec model.Record) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	changed := s.upsertLocked(rec)
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
	return changed
}

// BulkUpsert applies Upsert for each record and returns how many changed
// visible state. Idempotent under repeated calls with the same page.
func (s *Store) BulkUpsert(recs []model.Record) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	changed := 0
	for _, rec := range recs {
		if s.upsertLocked(rec) {
			changed++
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	if changed > 0 && fn != nil {
		fn()
	}
	return changed
}

func (s *Store) upsertLocked(rec model.Record) bool {
	existing, ok := s.records[rec.ID]
	if !ok {
		cp := rec
		s.records[rec.ID] = &cp
		if !cp.Read {
			s.unread++
		}
		return true
	}

	changed := false
	if rec.Read && !existing.Read {
		existing.Read = true
		s.unread--
		changed = true
	}
	if !existing.Resolution.Terminal() && rec.Resolution.Terminal() {
		existing.Resolution = rec.Resolution
		changed = true
	}
	if rec.CreatedAt.After(existing.CreatedAt) {
		existing.CreatedAt = rec.CreatedAt
		existing.Kind = rec.Kind
		existing.Text = rec.Text
		if rec.SubjectID != "" {
			existing.SubjectID = rec.SubjectID
		}
		changed = true
	}
	existing.Origin = rec.Origin
	return changed
}

// Remove hard-deletes a record and returns it so the caller can keep a
// tombstone for rollback.
func (s *Store) Remove(id string) (model.Record, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if s.closed || !ok {
		s.mu.Unlock()
		return model.Record{}, false
	}
	removed := *rec
	delete(s.records, id)
	if !removed.Read {
		s.unread--
	}
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return removed, true
}

// Reinsert puts a previously removed record back. If the id reappeared in the
// meantime the tombstone is merged through the reconciliation rule instead.
func (s *Store) Reinsert(rec model.Record) {
	s.Upsert(rec)
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return model.Record{}, false
	}
	return *rec, true
}

// BySubject returns the record whose subject is the given entity, such as the
// friend-request notification owning a relationship id.
func (s *Store) BySubject(subjectID string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.SubjectID == subjectID {
			return *rec, true
		}
	}
	return model.Record{}, false
}

// Snapshot returns all records ordered by createdAt descending, ties broken
// by id ascending so the order is deterministic.
func (s *Store) Snapshot() []model.Record {
	s.mu.Lock()
	out := make([]model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadCount returns the number of unread records via a maintained counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// MarkRead applies the optimistic read transition and reports whether it
// changed anything. Only the resolver calls this.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	changed := false
	if rec, ok := s.records[id]; !s.closed && ok && !rec.Read {
		rec.Read = true
		s.unread--
		changed = true
	}
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
	return changed
}

// MarkAllRead marks every unread record read and returns the ids it changed,
// so a failed bulk call can be rolled back per id.
func (s *Store) MarkAllRead() []string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var ids []string
	for id, rec := range s.records {
		if !rec.Read {
			rec.Read = true
			s.unread--
			ids = append(ids, id)
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	if len(ids) > 0 && fn != nil {
		fn()
	}
	return ids
}

// RevertRead undoes an optimistic read transition the server rejected. This
// is the only backward read path; reconciliation never takes it.
func (s *Store) RevertRead(id string) {
	s.mu.Lock()
	changed := false
	if rec, ok := s.records[id]; !s.closed && ok && rec.Read {
		rec.Read = false
		s.unread++
		changed = true
	}
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// Resolve applies the optimistic resolution transition. It refuses to move a
// record that is already terminal and reports whether it changed anything.
func (s *Store) Resolve(id string, res model.Resolution) bool {
	s.mu.Lock()
	changed := false
	if rec, ok := s.records[id]; !s.closed && ok && !rec.Resolution.Terminal() && res.Terminal() {
		rec.Resolution = res
		changed = true
	}
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
	return changed
}

// RevertResolution undoes an optimistic resolution the server rejected.
func (s *Store) RevertResolution(id string) {
	s.mu.Lock()
	changed := false
	if rec, ok := s.records[id]; !s.closed && ok && rec.Resolution.Terminal() {
		rec.Resolution = model.ResolutionUnresolved
		changed = true
	}
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// UpsertRelationship merges a relationship row delivered by either channel.
// Status moves forward only: a settled request is never re-opened by a stale
// delivery.
func (s *Store) UpsertRelationship(rel model.RelationshipRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	existing, ok := s.relationships[rel.ID]
	if !ok {
		cp := rel
		s.relationships[rel.ID] = &cp
		return
	}
	if existing.Status == model.RequestPending && rel.Status != model.RequestPending {
		existing.Status = rel.Status
	}
	if rel.SenderID != "" {
		existing.SenderID = rel.SenderID
	}
	if rel.ReceiverID != "" {
		existing.ReceiverID = rel.ReceiverID
	}
}

// Relationship returns a copy of the relationship row with the given id.
func (s *Store) Relationship(id string) (model.RelationshipRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if !ok {
		return model.RelationshipRequest{}, false
	}
	return *rel, true
}

// SetRelationshipStatus overwrites a relationship status and returns the
// previous value for rollback. Only the resolver calls this.
func (s *Store) SetRelationshipStatus(id string, status model.RequestStatus) (model.RequestStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if s.closed || !ok {
		return "", false
	}
	prev := rel.Status
	rel.Status = status
	return prev, true
}
