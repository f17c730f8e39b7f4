package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/realtime"
)

type EventsHandler struct {
	log *logger.Logger
	hub *realtime.Hub
}

func NewEventsHandler(log *logger.Logger, hub *realtime.Hub) *EventsHandler {
	return &EventsHandler{
		log: log.With("handler", "EventsHandler"),
		hub: hub,
	}
}

// GET /api/events/stream?channel=<run id or channel id>&channel=...
// Streams hub messages for the requested channels until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	channels := c.QueryArray("channel")
	if len(channels) == 0 {
		RespondError(c, http.StatusBadRequest, "missing_channel", fmt.Errorf("at least one channel query param required"))
		return
	}

	client := h.hub.NewClient()
	for _, ch := range channels {
		h.hub.Subscribe(client, ch)
	}
	defer h.hub.RemoveClient(client)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("SSE client disconnected", "client_id", client.ID)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			w.Flush()
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				h.log.Warn("Failed to marshal SSE message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, raw)
			w.Flush()
		}
	}
}
