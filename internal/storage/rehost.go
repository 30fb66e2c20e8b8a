// Package storage copies provider result assets into durable object storage.
// Provider URLs expire shortly after a task completes, so the copy is made
// while the callback is being applied.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gocloud.dev/blob"

	"github.com/makerlane/backend/internal/metrics"
)

// ErrDownload marks a result asset that could not be fetched or stored.
var ErrDownload = errors.New("result download failed")

const (
	defaultMaxBytes = 25 << 20
	defaultTimeout  = 30 * time.Second
)

type Config struct {
	// PublicBaseURL is prefixed to object keys to form the URL handed to clients.
	PublicBaseURL string
	MaxBytes      int64
	// Backoff between download attempts; defaults to fibonacci from 250ms, 2 retries.
	Backoff func() retry.Backoff
}

type Rehoster struct {
	bucket  *blob.Bucket
	client  *http.Client
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewRehoster(bucket *blob.Bucket, client *http.Client, cfg Config, m *metrics.Metrics, log *slog.Logger) *Rehoster {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewFibonacci(250*time.Millisecond))
		}
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if log == nil {
		log = slog.Default()
	}
	return &Rehoster{bucket: bucket, client: client, cfg: cfg, metrics: m, log: log}
}

// Rehost downloads sourceURL and writes it under the user's prefix. It returns
// the durable URL. Any failure is wrapped in ErrDownload.
func (r *Rehoster) Rehost(ctx context.Context, userID, taskID uuid.UUID, sourceURL string) (string, error) {
	type asset struct {
		body        []byte
		contentType string
	}
	a, err := retry.DoValue(ctx, r.cfg.Backoff(), func(ctx context.Context) (asset, error) {
		body, ct, err := r.fetch(ctx, sourceURL)
		return asset{body: body, contentType: ct}, err
	})
	if err != nil {
		r.metrics.ObserveRehost("fallback")
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}

	key := ObjectKey(userID, taskID, sourceURL, a.contentType)
	if err := r.bucket.WriteAll(ctx, key, a.body, &blob.WriterOptions{ContentType: a.contentType}); err != nil {
		r.metrics.ObserveRehost("fallback")
		return "", fmt.Errorf("%w: store %s: %v", ErrDownload, key, err)
	}
	r.metrics.ObserveRehost("stored")
	r.log.Info("result rehosted", "task_id", taskID, "key", key, "bytes", len(a.body))
	return r.cfg.PublicBaseURL + "/" + key, nil
}

func (r *Rehoster) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		// expired or revoked link, retrying will not help
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", retry.RetryableError(err)
	}
	if int64(len(body)) > r.cfg.MaxBytes {
		return nil, "", fmt.Errorf("asset larger than %d bytes", r.cfg.MaxBytes)
	}
	if len(body) == 0 {
		return nil, "", errors.New("empty asset")
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	return body, ct, nil
}

// ObjectKey is enhancements/{user}/{task}{ext}. The extension comes from the
// source URL path, then the content type, then ".png".
func ObjectKey(userID, taskID uuid.UUID, sourceURL, contentType string) string {
	ext := extFromURL(sourceURL)
	if ext == "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mt {
			case "image/jpeg":
				ext = ".jpg"
			case "image/png":
				ext = ".png"
			case "image/webp":
				ext = ".webp"
			}
		}
	}
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("enhancements/%s/%s%s", userID, taskID, ext)
}

func extFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ext
	}
	return ""
}
