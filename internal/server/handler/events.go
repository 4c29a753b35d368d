package handler

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/alanyoungcy/giftd/internal/domain"
)

const (
	defaultEventPage = 100
	maxEventPage     = 500
)

// streamCursor matches stream entry IDs ("<ms>-<seq>") and the "0" start
// cursor.
var streamCursor = regexp.MustCompile(`^[0-9]+(-[0-9]+)?$`)

// EventReader reads the durable gift event stream.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler lets operators and reconnecting clients replay gift events
// they missed on the WebSocket.
type EventsHandler struct {
	bus    EventReader
	stream string
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler reading stream.
func NewEventsHandler(bus EventReader, stream string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		bus:    bus,
		stream: stream,
		logger: logger.With(slog.String("handler", "events")),
	}
}

type eventEntry struct {
	ID string `json:"id"`
	domain.GiftEvent
}

type eventsResponse struct {
	Events []eventEntry `json:"events"`
	Next   string       `json:"next"`
}

// Replay returns events appended after the "after" cursor, oldest first.
// Pass the returned next cursor to continue.
// GET /api/events?after=&limit=
func (h *EventsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	if !streamCursor.MatchString(after) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "after must be a stream entry id")
		return
	}
	limit := min(max(queryInt(r, "limit", defaultEventPage), 1), maxEventPage)

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	resp := eventsResponse{Events: make([]eventEntry, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		resp.Next = m.ID
		var ev domain.GiftEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "skipping malformed stream entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		resp.Events = append(resp.Events, eventEntry{ID: m.ID, GiftEvent: ev})
	}
	writeJSON(w, http.StatusOK, resp)
}
