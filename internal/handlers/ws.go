package handlers

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/chatmesh/internal/actor"
)

// WebSocket upgrades the request and runs a connection actor until the
// connection ends or the server shuts down. Login happens over the socket,
// where maintenance mode and bans are enforced.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	a := actor.New(h.Actors, actor.NewWebSocketTransport(conn))
	err = a.Run(h.BaseContext)
	if err != nil && !errors.Is(err, actor.ErrShutdown) {
		h.logger.Debug().Str("conn_id", a.ID()).Err(err).Msg("websocket closed")
	}
}
