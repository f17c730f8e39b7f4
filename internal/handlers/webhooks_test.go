package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/db"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/webhooks"
)

func newWebhooksRouter(t *testing.T, verifiers map[string]*webhooks.Verifier) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	enqueuer := jobs.NewEnqueuer(repos.NewJobRepo(gdb, log), log)
	router := gin.New()
	router.POST("/api/webhooks/:provider", NewWebhooksHandler(log, verifiers, enqueuer).Receive)
	return router, gdb
}

func postWebhook(router *gin.Engine, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return envelope.Error.Code
}

func TestReceiveMisconfiguredVerifierIs500(t *testing.T) {
	router, _ := newWebhooksRouter(t, map[string]*webhooks.Verifier{
		ProviderGeneration: webhooks.NewVerifier(webhooks.VerifierConfig{Scheme: webhooks.SchemeHMAC}),
	})
	body := []byte(fmt.Sprintf(`{"run_id":%q,"task_id":"gen-1","status":"completed"}`, uuid.NewString()))
	header := http.Header{}
	header.Set("X-Webhook-Signature", webhooks.SignHMAC("whatever", body))

	rec := postWebhook(router, "/api/webhooks/generation", body, header)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if code := errorCode(t, rec); code != "configuration_error" {
		t.Fatalf("code = %q, want configuration_error", code)
	}
}

func TestReceiveBadSignatureIs401(t *testing.T) {
	router, _ := newWebhooksRouter(t, map[string]*webhooks.Verifier{
		ProviderGeneration: webhooks.NewVerifier(webhooks.VerifierConfig{Scheme: webhooks.SchemeHMAC, Secret: "topsecret"}),
	})
	body := []byte(fmt.Sprintf(`{"run_id":%q,"task_id":"gen-1","status":"completed"}`, uuid.NewString()))
	header := http.Header{}
	header.Set("X-Webhook-Signature", webhooks.SignHMAC("wrongsecret", body))

	rec := postWebhook(router, "/api/webhooks/generation", body, header)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_signature" {
		t.Fatalf("code = %q, want invalid_signature", code)
	}
}

func TestReceiveUnknownProviderIs404(t *testing.T) {
	router, _ := newWebhooksRouter(t, map[string]*webhooks.Verifier{})
	rec := postWebhook(router, "/api/webhooks/transcriber", []byte(`{}`), http.Header{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReceiveAcksAndCollapsesDuplicates(t *testing.T) {
	router, gdb := newWebhooksRouter(t, map[string]*webhooks.Verifier{
		ProviderGeneration: webhooks.NewVerifier(webhooks.VerifierConfig{Fake: true}),
	})
	runID := uuid.NewString()
	body := []byte(fmt.Sprintf(`{"run_id":%q,"task_id":"gen-0","status":"completed","url":"fake://c.mp4"}`, runID))

	rec := postWebhook(router, "/api/webhooks/generation", body, http.Header{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	// The retried delivery still gets its 2xx but enqueues nothing new.
	rec = postWebhook(router, "/api/webhooks/generation", body, http.Header{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status = %d, want 202", rec.Code)
	}
	var ack struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack.Duplicate {
		t.Fatalf("duplicate ack = %s (err=%v)", rec.Body.String(), err)
	}
	var n int64
	if err := gdb.Model(&domain.Job{}).
		Where("job_type = ?", string(domain.JobEventGenerationComplete)).
		Count(&n).Error; err != nil || n != 1 {
		t.Fatalf("event jobs = %d (err=%v), want 1", n, err)
	}
}

func TestReceiveRunReferenceFromQuery(t *testing.T) {
	router, _ := newWebhooksRouter(t, map[string]*webhooks.Verifier{
		ProviderRender: webhooks.NewVerifier(webhooks.VerifierConfig{Fake: true}),
	})
	body := []byte(`{"job_id":"render-1","status":"completed","url":"fake://v.mp4"}`)
	rec := postWebhook(router, "/api/webhooks/render?run_id="+uuid.NewString(), body, http.Header{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}
