package handlers

import (
	"net/http"
	"time"

	"github.com/eldtechnologies/chatmesh/internal/apperr"
	"github.com/eldtechnologies/chatmesh/internal/config"
)

// RuntimeResponse is the current runtime flag version.
type RuntimeResponse struct {
	Version         int64  `json:"version"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	AutoCleanAfter  string `json:"auto_clean_after"`
	RecallWindow    string `json:"recall_window"`
}

// RuntimeUpdate changes a subset of the runtime flags. Durations use Go
// syntax ("2m", "720h").
type RuntimeUpdate struct {
	MaintenanceMode *bool   `json:"maintenance_mode"`
	AutoCleanAfter  *string `json:"auto_clean_after"`
	RecallWindow    *string `json:"recall_window"`
}

func runtimeResponse(f config.Flags) RuntimeResponse {
	return RuntimeResponse{
		Version:         f.Version,
		MaintenanceMode: f.MaintenanceMode,
		AutoCleanAfter:  f.AutoCleanAfter.String(),
		RecallWindow:    f.RecallWindow.String(),
	}
}

// GetRuntime returns the current runtime flags.
func (h *Handler) GetRuntime(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, runtimeResponse(h.Runtime.Snapshot()))
}

// UpdateRuntime publishes a new runtime flag version. Only this server's
// process sees the change.
func (h *Handler) UpdateRuntime(w http.ResponseWriter, r *http.Request) {
	var req RuntimeUpdate
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	var autoClean, recall *time.Duration
	for _, f := range []struct {
		name string
		in   *string
		out  **time.Duration
	}{
		{"auto_clean_after", req.AutoCleanAfter, &autoClean},
		{"recall_window", req.RecallWindow, &recall},
	} {
		if f.in == nil {
			continue
		}
		d, err := time.ParseDuration(*f.in)
		if err != nil || d <= 0 {
			h.Fail(w, r, apperr.InvalidArgument("%s must be a positive duration", f.name))
			return
		}
		*f.out = &d
	}

	next := h.Runtime.Update(func(f *config.Flags) {
		if req.MaintenanceMode != nil {
			f.MaintenanceMode = *req.MaintenanceMode
		}
		if autoClean != nil {
			f.AutoCleanAfter = *autoClean
		}
		if recall != nil {
			f.RecallWindow = *recall
		}
	})

	h.logger.Info().
		Int64("version", next.Version).
		Bool("maintenance", next.MaintenanceMode).
		Dur("recall_window", next.RecallWindow).
		Msg("runtime flags updated")
	h.JSON(w, http.StatusOK, runtimeResponse(next))
}

// AnnouncementRequest represents an operator announcement.
type AnnouncementRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PostAnnouncement publishes an announcement from the system sender.
func (h *Handler) PostAnnouncement(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	a, err := h.Delivery.AnnounceAsSystem(r.Context(), req.Title, req.Content)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, a)
}

// ServerBanRequest bans a user from the whole deployment until Until. A zero
// or past Until lifts the ban.
type ServerBanRequest struct {
	Until time.Time `json:"until"`
}

// ServerBan sets or lifts a server-wide ban.
func (h *Handler) ServerBan(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "id")
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	var req ServerBanRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	var until *time.Time
	if !req.Until.IsZero() {
		until = &req.Until
	}
	if user, err := h.Store.GetUserByID(r.Context(), userID); err != nil {
		h.Fail(w, r, err)
		return
	} else if user == nil {
		h.Fail(w, r, apperr.NotFound("user %d not found", userID))
		return
	}
	if err := h.Moderation.SetServerBan(r.Context(), userID, until); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.logger.Warn().Int64("user_id", userID).Time("until", req.Until).Msg("server ban updated")
	w.WriteHeader(http.StatusNoContent)
}

// StatsResponse describes this server and the deployment it belongs to.
type StatsResponse struct {
	ServerID       string   `json:"server_id"`
	Connections    int      `json:"connections"`
	OnlineUsers    int      `json:"online_users"`
	LiveServers    []string `json:"live_servers"`
	RuntimeVersion int64    `json:"runtime_version"`
}

// Stats returns connection counts and the live server set.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	servers, err := h.Router.LiveServers(r.Context())
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if servers == nil {
		servers = []string{}
	}
	h.JSON(w, http.StatusOK, StatsResponse{
		ServerID:       h.ServerID,
		Connections:    h.Hub.Count(),
		OnlineUsers:    h.Hub.Users(),
		LiveServers:    servers,
		RuntimeVersion: h.Runtime.Snapshot().Version,
	})
}
