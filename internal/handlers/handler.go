package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatmesh/internal/actor"
	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/auth"
	"github.com/eldtechnologies/chatmesh/internal/config"
	"github.com/eldtechnologies/chatmesh/internal/delivery"
	"github.com/eldtechnologies/chatmesh/internal/membership"
	"github.com/eldtechnologies/chatmesh/internal/moderation"
	"github.com/eldtechnologies/chatmesh/internal/store"
)

// Deps are the services the HTTP surface wraps.
type Deps struct {
	ServerID   string
	Store      store.DataStore
	Redis      *redis.Client
	Auth       *auth.Service
	Delivery   *delivery.Service
	Members    *membership.Service
	Moderation *moderation.Cache
	Router     delivery.Router
	Runtime    *config.Runtime
	Hub        *actor.Hub
	Actors     *actor.Deps
	// BaseContext is cancelled on shutdown; WebSocket actors run under it.
	BaseContext context.Context
	Logger      zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	Deps
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &Handler{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with tokens, not cookies, so any origin
			// may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: d.Logger.With().Str("component", "http").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a service error onto an HTTP status.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := apperr.Public(err)
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.JSON(w, status, map[string]string{"error": msg, "code": code})
}

func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindTransient, apperr.KindClockRegression:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArgument("invalid JSON body")
	}
	return nil
}

// idParam parses a numeric URL parameter.
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArgument("invalid %s", name)
	}
	return id, nil
}

// parseSince accepts RFC 3339 or unix milliseconds. Empty means the
// beginning of time.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, apperr.InvalidArgument("since must be RFC 3339 or unix milliseconds")
	}
	return t, nil
}

// afterParam parses the optional ?after= message ID cursor.
func afterParam(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, apperr.InvalidArgument("invalid after")
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
