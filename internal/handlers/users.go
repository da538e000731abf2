package handlers

import (
	"net/http"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/api/middleware"
	"github.com/eldtechnologies/chatmesh/internal/apperr"
)

// UserResponse is a public profile.
type UserResponse struct {
	ID       int64  `json:"id,string"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
	Online   bool   `json:"online"`
	// PublicKey is the user's Ed25519 identity key for room key exchange.
	PublicKey string `json:"public_key,omitempty"`
	JoinedAt  string `json:"joined_at"`
}

// GetUser returns a public profile with presence taken from the routing
// directory.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	user, err := h.Store.GetUserByID(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if user == nil {
		h.Fail(w, r, apperr.NotFound("user %d not found", id))
		return
	}

	_, online, err := h.Router.Lookup(r.Context(), id)
	if err != nil {
		h.logger.Warn().Err(err).Int64("user_id", id).Msg("presence unavailable")
	}

	h.JSON(w, http.StatusOK, UserResponse{
		ID:        user.ID,
		Name:      user.Name,
		Verified:  user.Verified,
		Online:    online,
		PublicKey: user.PublicKey,
		JoinedAt:  user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// PublishKeyRequest carries an identity key and its proof of possession.
type PublishKeyRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// PublishKey sets the caller's identity key.
func (h *Handler) PublishKey(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req PublishKeyRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.Auth.PublishKey(r.Context(), userID, req.PublicKey, req.Signature); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
