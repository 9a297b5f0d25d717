// Package storage implements the object store client used for durable media
// copies. Objects are addressed by deterministic keys derived from the
// platform's content-stable file identifier, so re-ingesting the same media
// never creates a second copy.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stockpilehq/stockpile/internal/resilience"
)

// ObjectStore is the port media acquisition talks to. Upload with upsert
// overwrites an existing object; without it an existing object is an error.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string, upsert bool) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key string) ([]byte, string, error)
}

// StatusError carries an object store HTTP status alongside the message.
type StatusError struct {
	StatusCode int
	Status     string
	Op         string
	Key        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("object store %s %q: %s", e.Op, e.Key, e.Status)
}

// ErrObjectExists is returned by a non-upsert Upload that hit an existing key.
var ErrObjectExists = &StatusError{StatusCode: http.StatusConflict, Status: "409 Conflict", Op: "upload"}

// mimeExtensions maps the media types the platform delivers onto canonical
// object key extensions. Unknown types fall back to "bin".
var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/webm":      "webm",
	"audio/mpeg":      "mp3",
	"audio/ogg":       "ogg",
	"application/pdf": "pdf",
}

var keySanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ObjectKey derives the canonical storage key for a media file. The key is a
// pure function of the content-stable identifier and the media type, which is
// what makes storage idempotent across duplicate forwards.
func ObjectKey(fileUniqueID, mimeType string) string {
	base := keySanitizeRe.ReplaceAllString(fileUniqueID, "_")
	ext := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]
	if ext == "" {
		ext = "bin"
	}
	return base + "." + ext
}

// IsCanonicalPath reports whether a stored path already follows the
// ObjectKey convention for the given identifier.
func IsCanonicalPath(path, fileUniqueID, mimeType string) bool {
	return path == ObjectKey(fileUniqueID, mimeType)
}

// Config holds the object store connection settings.
type Config struct {
	BaseURL       string
	Bucket        string
	APIKey        string
	PublicBaseURL string
	Timeout       time.Duration
}

// Client talks to the HTTP object store. All calls run inside a circuit
// breaker so a dead bucket endpoint fails fast instead of stalling workers.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates an object store client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("object store base URL is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "object-store",
			Timeout: cfg.Timeout,
		}),
		logger: logger.With("component", "storage"),
	}, nil
}

func (c *Client) objectURL(key string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.Bucket + "/" + url.PathEscape(key)
}

// PublicURL returns the externally reachable URL for a stored key.
func (c *Client) PublicURL(key string) string {
	base := c.cfg.PublicBaseURL
	if base == "" {
		base = c.cfg.BaseURL
	}
	return strings.TrimRight(base, "/") + "/" + c.cfg.Bucket + "/" + url.PathEscape(key)
}

// Upload stores an object and returns its public URL. With upsert false an
// existing key returns ErrObjectExists.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string, upsert bool) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to upload empty object %q", key)
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to build upload request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		c.authorize(req)
		if !upsert {
			req.Header.Set("If-None-Match", "*")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upload request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
			return ErrObjectExists
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		default:
			return c.statusError(resp, "upload", key)
		}
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Object upload failed", "key", key, "error", err)
		return "", err
	}

	c.logger.DebugContext(ctx, "Object uploaded", "key", key, "bytes", len(data), "upsert", upsert)
	return c.PublicURL(key), nil
}

// Exists checks whether an object is actually present in the bucket. Callers
// use it to confirm database bookkeeping against reality.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("object key is required")
	}

	var found bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("failed to build existence request: %w", err)
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("existence request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			found = true
			return nil
		default:
			return c.statusError(resp, "exists", key)
		}
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Download fetches an object's bytes and content type.
func (c *Client) Download(ctx context.Context, key string) ([]byte, string, error) {
	if key == "" {
		return nil, "", fmt.Errorf("object key is required")
	}

	var (
		data        []byte
		contentType string
	)
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
		if err != nil {
			return fmt.Errorf("failed to build download request: %w", err)
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("download request failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.statusError(resp, "download", key)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read object %q: %w", key, err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Object download failed", "key", key, "error", err)
		return nil, "", err
	}
	return data, contentType, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *Client) statusError(resp *http.Response, op, key string) error {
	err := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Op:         op,
		Key:        key,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return &resilience.RetryAfterError{After: after, Err: err}
		}
	}
	return err
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Classify maps object store failures onto the shared retry taxonomy. Rate
// limits and server errors retry; authorization and bad requests do not.
func Classify(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return resilience.Classification{
				Retryable: true,
				Kind:      resilience.KindExternal,
				Reason:    se.Status,
			}
		default:
			return resilience.Classification{
				Retryable: false,
				Kind:      resilience.KindExternal,
				Reason:    se.Status,
			}
		}
	}

	// Transport-level failures (connection refused, timeouts) are worth
	// retrying within the circuit breaker's budget.
	return resilience.Classification{
		Retryable: true,
		Kind:      resilience.KindTransient,
		Reason:    "object store transport failure",
	}
}
