package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatmesh/internal/api/middleware"
	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// CreateSessionRequest represents the session creation request.
type CreateSessionRequest struct {
	Name string `json:"name"`
}

// CreateSession creates a session owned by the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	sess, err := h.Members.CreateSession(r.Context(), req.Name, userID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, sess)
}

// JoinSession adds the caller to a session.
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sessionID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.Members.Join(r.Context(), sessionID, userID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveSession flags the caller's membership for removal.
func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sessionID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.Members.Leave(r.Context(), sessionID, userID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SessionMembers lists the current members of a session the caller belongs to.
func (h *Handler) SessionMembers(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sessionID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	member, err := h.Members.IsMember(r.Context(), sessionID, userID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if !member {
		h.Fail(w, r, apperr.PermissionDenied("not a member of session %d", sessionID))
		return
	}
	rels, err := h.Members.Members(r.Context(), sessionID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if rels == nil {
		rels = []models.SessionRelation{}
	}
	h.JSON(w, http.StatusOK, rels)
}

// MySessions lists the caller's relations.
func (h *Handler) MySessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	rels, err := h.Members.GetRelations(r.Context(), userID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if rels == nil {
		rels = []models.SessionRelation{}
	}
	h.JSON(w, http.StatusOK, rels)
}
