// Package feed exposes the sync core's read surface and actions over HTTP for
// the rendering layer.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/pulsegram/notifsync/internal/api/dto"
	"github.com/pulsegram/notifsync/internal/api/respond"
	"github.com/pulsegram/notifsync/internal/live"
	"github.com/pulsegram/notifsync/internal/model"
	"github.com/pulsegram/notifsync/internal/resolver"
)

type feedService interface {
	Snapshot() []model.Record
	UnreadCount() int
	LiveState() live.State
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Accept(ctx context.Context, requestID string) error
	Decline(ctx context.Context, requestID string) error
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	service   feedService
	validator *validator.Validate
}

func NewHandler(s feedService, v *validator.Validate) *Handler {
	return &Handler{service: s, validator: v}
}

// List returns the ordered notification list with the unread count and the
// live channel state.
func (h *Handler) List(c *ginext.Context) {
	respond.OK(c.Writer, map[string]any{
		"notifications": h.service.Snapshot(),
		"unread_count":  h.service.UnreadCount(),
		"live":          h.service.LiveState().String(),
	})
}

// UnreadCount returns only the unread counter, for badge polling.
func (h *Handler) UnreadCount(c *ginext.Context) {
	respond.OK(c.Writer, map[string]int{"unread_count": h.service.UnreadCount()})
}

// MarkRead marks one notification read.
func (h *Handler) MarkRead(c *ginext.Context) {
	id := c.Param("id")
	if id == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing id"))
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), id); err != nil {
		h.failAction(c, err, "failed to mark notification read")
		return
	}
	respond.OK(c.Writer, "read")
}

// MarkAllRead marks every notification read.
func (h *Handler) MarkAllRead(c *ginext.Context) {
	if err := h.service.MarkAllRead(c.Request.Context()); err != nil {
		h.failAction(c, err, "failed to mark all notifications read")
		return
	}
	respond.OK(c.Writer, "read")
}

// Resolve accepts or declines a friend request.
func (h *Handler) Resolve(c *ginext.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing request id"))
		return
	}

	var req dto.ResolveRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	var err error
	if req.Status == string(model.RequestAccepted) {
		err = h.service.Accept(c.Request.Context(), requestID)
	} else {
		err = h.service.Decline(c.Request.Context(), requestID)
	}
	if err != nil {
		if errors.Is(err, resolver.ErrUnknownRequest) {
			zlog.Logger.Warn().Str("request_id", requestID).Msg("unknown friend request")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("friend request not found"))
			return
		}
		h.failAction(c, err, "failed to resolve friend request")
		return
	}
	respond.OK(c.Writer, req.Status)
}

// Delete removes one notification.
func (h *Handler) Delete(c *ginext.Context) {
	id := c.Param("id")
	if id == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing id"))
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.failAction(c, err, "failed to delete notification")
		return
	}
	respond.OK(c.Writer, "deleted")
}

// failAction maps a resolver failure to a response. Action failures are
// recoverable: the local state was rolled back and the client may retry.
func (h *Handler) failAction(c *ginext.Context, err error, msg string) {
	var actionErr *resolver.ActionFailedError
	if errors.As(err, &actionErr) {
		zlog.Logger.Warn().Err(err).Msg(msg)
		respond.Fail(c.Writer, http.StatusBadGateway, fmt.Errorf("%s, please retry", actionErr.Op))
		return
	}
	zlog.Logger.Error().Err(err).Msg(msg)
	respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
}
