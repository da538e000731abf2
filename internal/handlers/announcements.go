package handlers

import (
	"net/http"
)

// GetAnnouncements returns announcements after ?since=.
func (h *Handler) GetAnnouncements(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	list, err := h.Delivery.FetchAnnouncements(r.Context(), since)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, list)
}
