package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type DeadLettersHandler struct {
	log     *logger.Logger
	service jobs.DeadLetterService
}

func NewDeadLettersHandler(log *logger.Logger, service jobs.DeadLetterService) *DeadLettersHandler {
	return &DeadLettersHandler{
		log:     log.With("handler", "DeadLettersHandler"),
		service: service,
	}
}

// GET /api/deadletters
func (h *DeadLettersHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.service.List(c.Request.Context(), nil, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_deadletters_failed", err)
		return
	}
	RespondOK(c, gin.H{"dead_letters": entries})
}

// POST /api/deadletters/:id/replay
func (h *DeadLettersHandler) Replay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_dead_letter_id", err)
		return
	}
	dl, err := h.service.Replay(c.Request.Context(), nil, id)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "replay_failed", err)
		return
	}
	RespondOK(c, gin.H{"replayed": true, "dead_letter": dl})
}
