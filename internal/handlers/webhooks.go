package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/webhooks"
)

const (
	ProviderGeneration = "generation"
	ProviderRender     = "render"
)

// WebhooksHandler is the ingress for provider callbacks. It does the minimum
// inside the request: verify the signature against the raw body, normalize
// the delivery, enqueue the event job, ack. All state changes happen in the
// job handler, after the provider has its 2xx.
type WebhooksHandler struct {
	log       *logger.Logger
	verifiers map[string]*webhooks.Verifier
	enqueuer  jobs.Enqueuer
}

func NewWebhooksHandler(log *logger.Logger, verifiers map[string]*webhooks.Verifier, enqueuer jobs.Enqueuer) *WebhooksHandler {
	return &WebhooksHandler{
		log:       log.With("handler", "WebhooksHandler"),
		verifiers: verifiers,
		enqueuer:  enqueuer,
	}
}

type deliveryBody struct {
	RunID     string `json:"run_id"`
	Reference string `json:"reference"`
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	URL       string `json:"url"`
	Error     string `json:"error"`
}

// POST /api/webhooks/:provider
func (h *WebhooksHandler) Receive(c *gin.Context) {
	provider := c.Param("provider")
	verifier, ok := h.verifiers[provider]
	if !ok {
		RespondError(c, http.StatusNotFound, "unknown_provider", fmt.Errorf("unknown webhook provider %q", provider))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "read_body_failed", err)
		return
	}
	if err := verifier.Verify(c.Request.Header, body); err != nil {
		if errors.Is(err, webhooks.ErrNotConfigured) {
			h.log.Error("Webhook verifier misconfigured", "provider", provider, "error", err)
			RespondError(c, http.StatusInternalServerError, "configuration_error", err)
			return
		}
		h.log.Warn("Webhook signature rejected", "provider", provider, "error", err)
		RespondError(c, http.StatusUnauthorized, "invalid_signature", err)
		return
	}

	var d deliveryBody
	if err := json.Unmarshal(body, &d); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	// Providers that cannot echo a reference in the body carry it in the
	// subscription URL instead.
	runRef := d.RunID
	if runRef == "" {
		runRef = d.Reference
	}
	if runRef == "" {
		runRef = c.Query("run_id")
	}
	runID, err := uuid.Parse(runRef)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_reference", fmt.Errorf("delivery has no usable run reference"))
		return
	}
	taskID := d.TaskID
	if taskID == "" {
		taskID = d.JobID
	}
	if taskID == "" || d.Status == "" {
		RespondError(c, http.StatusBadRequest, "invalid_body", fmt.Errorf("delivery missing task id or status"))
		return
	}

	jobType := domain.JobEventGenerationComplete
	if provider == ProviderRender {
		jobType = domain.JobEventRenderComplete
	}
	_, duplicate, err := h.enqueuer.EnqueueIgnoreDuplicate(c.Request.Context(), nil, jobs.EnqueueRequest{
		Type:  jobType,
		RunID: &runID,
		Payload: map[string]any{
			"run_id":  runID.String(),
			"task_id": taskID,
			"status":  d.Status,
			"url":     d.URL,
			"error":   d.Error,
		},
		// Keyed per (run, task, status) so a retried delivery is a no-op but
		// a later terminal status for the same task still lands.
		IdempotencyKey: fmt.Sprintf("event:%s:%s:%s:%s", provider, runID, taskID, d.Status),
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "enqueue_event_failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "duplicate": duplicate})
}
