package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riocm/channelmgr/internal/chanerr"
)

// upgrader mirrors the teacher's internal/handler/ws.WSHandler upgrader:
// origin checking is left to a reverse proxy in front of this facade, not
// this module's concern (spec.md §1 scope).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream upgrades to a websocket and pumps successive receive() results to
// the client until it disconnects or the channel does, the same pump-loop
// shape as the teacher's ws delivery handler but polling Manager.Receive
// instead of draining a registry.Connector channel.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	h.logger.Info("ws stream opened", "channel", id)

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		payload, err := h.mgr.Receive(r.Context(), id, 5*time.Second)
		switch {
		case err == nil:
			if werr := conn.WriteMessage(websocket.BinaryMessage, payload); werr != nil {
				h.logger.Warn("ws send failed", "err", werr)
				return
			}
			_ = h.mgr.ReleaseReceive(id)
		case errors.Is(err, chanerr.ErrTimeout):
			continue // no data this interval, keep the socket open
		default:
			h.logger.Info("ws stream closing", "channel", id, "err", err)
			return
		}
	}
}
