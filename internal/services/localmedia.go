package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// LocalMediaStore downloads provider output onto local disk and returns the
// path it is served from. SSRF policy and transcoding are the deployment's
// concern; a failed download or copy surfaces as a terminal workflow failure
// upstream.
type LocalMediaStore struct {
	dir    string
	prefix string
	http   *http.Client
	log    *logger.Logger
}

func NewLocalMediaStore(dir, servePrefix string, log *logger.Logger) (*LocalMediaStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("media dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if servePrefix == "" {
		servePrefix = "/media"
	}
	return &LocalMediaStore{
		dir:    dir,
		prefix: strings.TrimRight(servePrefix, "/"),
		http:   &http.Client{Timeout: 5 * time.Minute},
		log:    log.With("service", "LocalMediaStore"),
	}, nil
}

func (s *LocalMediaStore) Ingest(ctx context.Context, sourceURL, key string) (string, error) {
	key = filepath.Clean(key)
	if key == "." || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid media key %q", key)
	}
	dest := filepath.Join(s.dir, key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	res, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", sourceURL, res.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	s.log.Debug("Media ingested", "key", key, "source", sourceURL)
	return s.prefix + "/" + filepath.ToSlash(key), nil
}
