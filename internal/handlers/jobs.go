package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
)

type JobsHandler struct {
	jobs repos.JobRepo
}

func NewJobsHandler(jobs repos.JobRepo) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, jobID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}
