// Package normalize converts raw notification payloads from either delivery
// channel into the canonical record shape.
//
// The history endpoint and the live channel use different field names for the
// same logical event; this package is the single place where identity is
// derived, so both channels converge on one record per event.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulsegram/notifsync/internal/model"
)

// MalformedEventError reports a payload that could not be normalized.
// Callers drop the payload and continue; a bad event never stops ingestion.
type MalformedEventError struct {
	Origin model.Origin
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.Origin, e.Reason)
}

// envelope is the union of the field names the two channels use. The history
// endpoint sends a database id and a read flag; the live channel names the id
// differently and may omit the timestamp entirely.
type envelope struct {
	ID             string `json:"id"`
	EventID        string `json:"event_id"`
	NotificationID string `json:"notification_id"`

	Type string `json:"type"`
	Kind string `json:"kind"`

	Text    string `json:"text"`
	Message string `json:"message"`

	CreatedAt  *time.Time `json:"created_at"`
	Timestamp  *time.Time `json:"timestamp"`
	Read       bool       `json:"read"`
	IsRead     bool       `json:"is_read"`
	Resolution string     `json:"resolution"`

	SubjectID string           `json:"subject_id"`
	RequestID string           `json:"request_id"`
	Request   *requestEnvelope `json:"request"`
}

type requestEnvelope struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Status     string `json:"status"`
}

// Normalizer derives canonical records from raw payloads. The clock is only
// consulted when a pushed event carries no server timestamp.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer using the wall clock.
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewWithClock returns a Normalizer with an injected clock.
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize converts one raw payload into a record and, for friend requests
// that embed the relationship, the relationship row. The returned relationship
// is nil for every other kind.
func (n *Normalizer) Normalize(raw []byte, origin model.Origin) (model.Record, *model.RelationshipRequest, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Record{}, nil, &MalformedEventError{Origin: origin, Reason: err.Error()}
	}

	id := firstNonEmpty(env.ID, env.EventID, env.NotificationID)
	if id == "" {
		return model.Record{}, nil, &MalformedEventError{Origin: origin, Reason: "missing id"}
	}

	kind := firstNonEmpty(env.Kind, env.Type)
	if kind == "" {
		return model.Record{}, nil, &MalformedEventError{Origin: origin, Reason: "missing kind"}
	}

	text := firstNonEmpty(env.Text, env.Message)
	if text == "" {
		return model.Record{}, nil, &MalformedEventError{Origin: origin, Reason: "missing content"}
	}

	createdAt := n.now()
	switch {
	case env.CreatedAt != nil && !env.CreatedAt.IsZero():
		createdAt = *env.CreatedAt
	case env.Timestamp != nil && !env.Timestamp.IsZero():
		createdAt = *env.Timestamp
	}

	rec := model.Record{
		ID:         id,
		Kind:       model.Kind(kind),
		SubjectID:  firstNonEmpty(env.SubjectID, env.RequestID),
		Text:       text,
		CreatedAt:  createdAt.UTC(),
		Read:       env.Read || env.IsRead,
		Resolution: model.ResolutionUnresolved,
		Origin:     origin,
	}

	if model.Resolution(env.Resolution).Terminal() {
		rec.Resolution = model.Resolution(env.Resolution)
	}

	var rel *model.RelationshipRequest
	if rec.Kind == model.KindFriendRequest && env.Request != nil {
		rel = &model.RelationshipRequest{
			ID:         firstNonEmpty(env.Request.ID, rec.SubjectID),
			SenderID:   env.Request.SenderID,
			ReceiverID: env.Request.ReceiverID,
			Status:     model.RequestStatus(firstNonEmpty(env.Request.Status, string(model.RequestPending))),
		}
		if rec.SubjectID == "" {
			rec.SubjectID = rel.ID
		}
		// A request already settled on another device settles the
		// notification too, even when the payload predates resolution fields.
		if rec.Resolution == model.ResolutionUnresolved {
			switch rel.Status {
			case model.RequestAccepted:
				rec.Resolution = model.ResolutionAccepted
			case model.RequestDeclined:
				rec.Resolution = model.ResolutionDeclined
			}
		}
	}

	return rec, rel, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
