// Package handlers serves the protocol endpoint and the local event
// stream over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/mcpserver"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/pkg/models"
)

// DefaultMaxBodyBytes bounds one inbound message; audio arrives base64
// encoded inside tools/call.
const DefaultMaxBodyBytes = 32 << 20

// StatusSource reports provider connection status.
type StatusSource interface {
	Statuses() []models.ProviderStatus
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	Server       *mcpserver.Server
	Events       *events.Bus
	Providers    StatusSource
	Version      string
	MaxBodyBytes int64
}

// MCPEndpoint handles one protocol message per POST. Requests get their
// response with 200, notifications and responses get 202 with no body.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("message exceeds %d bytes", limit))
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected malformed message")
		respondMessage(w, http.StatusBadRequest, protocol.NewErrorResponse(nil, mcpserver.RPCError(err)))
		return
	}

	resp := h.Server.Handle(r.Context(), msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respondMessage(w, http.StatusOK, *resp)
}

// EventsEndpoint streams bus events as server-sent events until the client
// goes away.
func (h *Handlers) EventsEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}
	if h.Events == nil {
		respondError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := h.Events.Subscribe()
	defer cancel()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	statuses := []models.ProviderStatus{}
	if h.Providers != nil {
		statuses = append(statuses, h.Providers.Statuses()...)
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"service": "contextd",
		"version": h.Version,
	}
	if h.Events != nil {
		body["event_subscribers"] = h.Events.Subscribers()
	}
	respondJSON(w, http.StatusOK, body)
}

func respondMessage(w http.ResponseWriter, status int, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
