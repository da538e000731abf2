package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatmesh/internal/api/middleware"
	"github.com/eldtechnologies/chatmesh/internal/models"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerifyRequest confirms an account with the code sent at registration.
type VerifyRequest struct {
	UserID int64  `json:"user_id,string"`
	Code   string `json:"code"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token for HTTP and WebSocket use.
type LoginResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// Register creates an account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	user, err := h.Auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, user)
}

// Verify confirms an account.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.Auth.Verify(r.Context(), req.UserID, req.Code); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Login issues a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	user, token, err := h.Auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, LoginResponse{User: user, Token: token})
}

// Logout revokes the presented token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context(), middleware.BearerToken(r)); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
