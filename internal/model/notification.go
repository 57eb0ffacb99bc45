package model

import "time"

// Kind categorizes a notification by the social event that produced it.
type Kind string

const (
	KindMessage       Kind = "message"
	KindFriendRequest Kind = "friend_request"
	KindLike          Kind = "like"
	KindComment       Kind = "comment"
	KindSystem        Kind = "system"
	KindCoinSent      Kind = "coin_sent"
	KindCoinReceived  Kind = "coin_received"
)

// Resolution is the terminal outcome of an actionable notification.
// A record starts unresolved and may transition to exactly one terminal
// state; it never moves back or between terminal states.
type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionAccepted   Resolution = "accepted"
	ResolutionDeclined   Resolution = "declined"
	ResolutionDeleted    Resolution = "deleted"
)

// Terminal reports whether the resolution is a final state.
func (r Resolution) Terminal() bool {
	return r == ResolutionAccepted || r == ResolutionDeclined || r == ResolutionDeleted
}

// Origin records which channel delivered a record. Diagnostic only; it is
// not part of record identity.
type Origin string

const (
	OriginFetched Origin = "fetched"
	OriginPushed  Origin = "pushed"
)

// Record is the canonical, deduplicated representation of one social event.
type Record struct {
	ID         string     `json:"id"`         // stable identifier across channels
	Kind       Kind       `json:"kind"`       // event category
	SubjectID  string     `json:"subject_id"` // entity the event refers to, e.g. a friend request id
	Text       string     `json:"text"`       // rendered message
	CreatedAt  time.Time  `json:"created_at"` // server-assigned, drives display order
	Read       bool       `json:"read"`       // transitions false -> true only
	Resolution Resolution `json:"resolution"` // meaningful for friend_request only
	Origin     Origin     `json:"origin"`     // channel of the latest delivery
}

// Actionable reports whether the record still offers accept/decline actions.
func (r Record) Actionable() bool {
	return r.Kind == KindFriendRequest && r.Resolution == ResolutionUnresolved
}

// RequestStatus is the backend-side state of a friend request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// RelationshipRequest is the pending-friendship entity a friend_request
// notification points at. Created by the backend when a request is sent;
// never created or deleted locally.
type RelationshipRequest struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Status     RequestStatus `json:"status"`
}
