package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondDomainError maps the shared sentinels (and explicit apierr values)
// onto stable HTTP codes so clients can branch on error.code.
func RespondDomainError(c *gin.Context, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		RespondError(c, ae.Status, ae.Code, ae.Err)
		return
	}
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		RespondError(c, http.StatusNotFound, "run_not_found", err)
	case errors.Is(err, domain.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, domain.ErrGateStateMismatch):
		RespondError(c, http.StatusConflict, "gate_state_mismatch", err)
	case errors.Is(err, domain.ErrStaleResume):
		RespondError(c, http.StatusConflict, "stale_resume", err)
	case errors.Is(err, domain.ErrDuplicateJob):
		RespondError(c, http.StatusConflict, "duplicate_job", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
