package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatmesh/internal/api/middleware"
	"github.com/eldtechnologies/chatmesh/internal/delivery"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

const (
	defaultPageSize = 200
	maxPageSize     = 1000
)

// MessagesResponse is one page of session history.
type MessagesResponse struct {
	Messages []models.MessageRecord `json:"messages"`
	HasMore  bool                   `json:"has_more"`
}

// SendMessageRequest represents the send request body.
type SendMessageRequest struct {
	Bundle      models.Bundle `json:"bundle"`
	IsEncrypted bool          `json:"is_encrypted"`
}

// SendMessageResponse represents the send response.
type SendMessageResponse struct {
	MessageID int64 `json:"message_id,string"`
}

// GetMessages returns messages sent after ?since=, oldest first. Callers
// page by passing the ID of the last message received as ?after=.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sessionID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	after, err := afterParam(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	seq, err := h.Delivery.FetchSince(r.Context(), sessionID, userID, since, after)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	msgs, err := delivery.Collect(seq, limit+1)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := MessagesResponse{Messages: msgs}
	if len(msgs) > limit {
		resp.Messages, resp.HasMore = msgs[:limit], true
	}
	h.JSON(w, http.StatusOK, resp)
}

// PostMessage sends a message to a session.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sessionID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	id, err := h.Delivery.Send(r.Context(), sessionID, userID, req.Bundle, req.IsEncrypted)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, SendMessageResponse{MessageID: id})
}

// RecallMessage recalls a message.
func (h *Handler) RecallMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	messageID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.Delivery.Recall(r.Context(), messageID, userID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
