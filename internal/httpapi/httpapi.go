// Package httpapi exposes the spec.md §6 operations over HTTP, standing in
// for the out-of-scope character-device/IOCTL surface (spec.md §1). It is
// modeled directly on the teacher's internal/handler/lp and
// internal/handler/ws: chi for routing, a per-request owner-tag the way
// the teacher's long-poll handler extracts a userID, and a websocket pump
// loop for streaming receive() results.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/riocm/channelmgr/internal/chanerr"
	"github.com/riocm/channelmgr/internal/manager"
)

// Handler wires the manager facade to chi routes.
type Handler struct {
	mgr    *manager.Manager
	logger *slog.Logger
}

func New(mgr *manager.Manager, logger *slog.Logger) *Handler {
	return &Handler{mgr: mgr, logger: logger}
}

// Routes builds the chi router, grouping channel operations under
// /channels the way the teacher groups its long-poll endpoint under a
// per-user path.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/ports", h.listPorts)
	r.Get("/ports/{portID}/peers", h.listPeers)
	r.Post("/channels", h.createChannel)
	r.Post("/channels/{id}/bind", h.bind)
	r.Post("/channels/{id}/listen", h.listen)
	r.Post("/channels/{id}/accept", h.accept)
	r.Post("/channels/{id}/connect", h.connect)
	r.Post("/channels/{id}/send", h.send)
	r.Get("/channels/{id}/receive", h.receive)
	r.Post("/channels/{id}/release", h.release)
	r.Delete("/channels/{id}", h.closeChannel)
	r.Get("/channels/{id}/stream", h.stream)
	return r
}

func channelID(r *http.Request) (uint16, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}

func ownerTag(r *http.Request) uuid.UUID {
	raw := r.Header.Get("X-Owner-Tag")
	if raw == "" {
		return uuid.Nil
	}
	tag, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return tag
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chanerr.ErrNotFound), errors.Is(err, chanerr.ErrPeerGone):
		status = http.StatusNotFound
	case errors.Is(err, chanerr.ErrInvalidState), errors.Is(err, chanerr.ErrWrongOwner):
		status = http.StatusConflict
	case errors.Is(err, chanerr.ErrWouldBlock):
		status = http.StatusNoContent
	case errors.Is(err, chanerr.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, chanerr.ErrBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, chanerr.ErrInterrupted):
		status = http.StatusRequestTimeout
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) listPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.mgr.ListPorts())
}

func (h *Handler) listPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.mgr.ListPeers(chi.URLParam(r, "portID")))
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedID uint16 `json:"requested_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id, err := h.mgr.CreateChannel(body.RequestedID, ownerTag(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]uint16{"channel_id": id})
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	var body struct {
		PortID string `json:"port_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.mgr.Bind(id, body.PortID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listen(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	if err := h.mgr.Listen(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	timeout := parseTimeout(r)
	newID, err := h.mgr.Accept(r.Context(), id, timeout)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]uint16{"channel_id": newID})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	var body struct {
		PortID          string `json:"port_id"`
		RemoteDestID    uint32 `json:"remote_destid"`
		RemoteChannelID uint16 `json:"remote_channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.mgr.Connect(r.Context(), id, body.PortID, body.RemoteDestID, body.RemoteChannelID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if err := h.mgr.Send(id, body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// receive is the request/response analogue of the teacher's long-poll
// Poll handler: it blocks up to a caller-supplied timeout for one DATA_MSG
// payload (spec.md §6 receive).
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	timeout := parseTimeout(r)
	payload, err := h.mgr.Receive(r.Context(), id, timeout)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(payload)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	if err := h.mgr.ReleaseReceive(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) closeChannel(w http.ResponseWriter, r *http.Request) {
	id, err := channelID(r)
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}
	if err := h.mgr.CloseChannel(id, ownerTag(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

