package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// Thin JSON clients for real provider mode. Prompt construction, model
// selection and transcoding internals live on the provider side; these
// clients only move requests and opaque ids.

type httpClient struct {
	base   string
	apiKey string
	http   *http.Client
	log    *logger.Logger
}

func newHTTPClient(base, apiKey string, log *logger.Logger) httpClient {
	return httpClient{
		base:   base,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

func (c *httpClient) postJSON(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.do(req, out)
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type HTTPGenerationProvider struct {
	client httpClient
}

func NewHTTPGenerationProvider(base, apiKey string, log *logger.Logger) *HTTPGenerationProvider {
	return &HTTPGenerationProvider{client: newHTTPClient(base, apiKey, log.With("service", "GenerationProvider"))}
}

func (p *HTTPGenerationProvider) Submit(ctx context.Context, runID uuid.UUID, prompts []string) (*GenerationSubmission, error) {
	var out GenerationSubmission
	err := p.client.postJSON(ctx, "/v1/generate", map[string]any{
		"reference": runID.String(),
		"prompts":   prompts,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPGenerationProvider) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var out TaskStatus
	if err := p.client.getJSON(ctx, p.client.base+"/v1/tasks/"+taskID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type HTTPRenderProvider struct {
	client httpClient
}

func NewHTTPRenderProvider(base, apiKey string, log *logger.Logger) *HTTPRenderProvider {
	return &HTTPRenderProvider{client: newHTTPClient(base, apiKey, log.With("service", "RenderProvider"))}
}

func (p *HTTPRenderProvider) Submit(ctx context.Context, runID uuid.UUID, spec RenderSpec) (*RenderSubmission, error) {
	var out RenderSubmission
	err := p.client.postJSON(ctx, "/v1/render", map[string]any{
		"reference":   runID.String(),
		"composition": spec,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPRenderProvider) JobStatus(ctx context.Context, jobID string) (*TaskStatus, error) {
	var out TaskStatus
	if err := p.client.getJSON(ctx, p.client.base+"/v1/render/"+jobID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type HTTPPublishProvider struct {
	client httpClient
}

func NewHTTPPublishProvider(base, apiKey string, log *logger.Logger) *HTTPPublishProvider {
	return &HTTPPublishProvider{client: newHTTPClient(base, apiKey, log.With("service", "PublishProvider"))}
}

func (p *HTTPPublishProvider) Publish(ctx context.Context, mediaURL string, meta map[string]any) (*PublishResult, error) {
	var out PublishResult
	err := p.client.postJSON(ctx, "/v1/publish", map[string]any{
		"media_url": mediaURL,
		"metadata":  meta,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPPublishProvider) PollStatus(ctx context.Context, pollURL string) (*TaskStatus, error) {
	var out TaskStatus
	if err := p.client.getJSON(ctx, pollURL, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
