package dto

// ResolveRequest is the body for answering a friend request.
type ResolveRequest struct {
	Status string `json:"status" validate:"required,oneof=accepted declined"`
}
