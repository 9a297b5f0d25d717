// Package telegram wraps the platform API surface the ingestion pipeline
// needs: resolving short-lived file references, downloading media bytes, and
// the caption edit and delete calls used by the ops endpoints.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/stockpilehq/stockpile/internal/resilience"
)

// maxFileDownloadBytes is the Bot API's documented file download cap.
const maxFileDownloadBytes = 20 * 1024 * 1024

// FileRef is a resolved short-lived file reference. FilePath is only valid
// until the platform rotates the reference.
type FileRef struct {
	FileID   string
	FilePath string
	Size     int64
}

// BotAPI is the port the media and ops layers talk to. It hides the concrete
// bot library so tests can substitute fakes.
type BotAPI interface {
	GetFileRef(ctx context.Context, fileID string) (*FileRef, error)
	DownloadFile(ctx context.Context, ref *FileRef) ([]byte, error)
	EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// NewTelegramBot creates the underlying bot instance.
func NewTelegramBot(token string, logger *slog.Logger, opts ...tgbot.Option) (*tgbot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_bot")

	b, err := tgbot.New(token, opts...)
	if err != nil {
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("Telegram bot instance created successfully")
	return b, nil
}

// Client implements BotAPI over go-telegram/bot.
type Client struct {
	bot      *tgbot.Bot
	token    string
	fileBase string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
	timeout  time.Duration
}

// NewClient wraps an existing bot instance. The token is needed to build
// file download URLs.
func NewClient(b *tgbot.Bot, token string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bot:      b,
		token:    token,
		fileBase: "https://api.telegram.org",
		http:     &http.Client{Timeout: requestTimeout},
		// A dead file API must fail fast instead of stalling every worker on
		// its timeout.
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "telegram-file-api",
			Timeout: requestTimeout,
		}),
		logger:  logger.With("component", "telegram_client"),
		timeout: requestTimeout,
	}
}

// GetFileRef resolves a file id to a fresh download reference.
func (c *Client) GetFileRef(ctx context.Context, fileID string) (*FileRef, error) {
	if fileID == "" {
		return nil, fmt.Errorf("file id cannot be empty")
	}

	var ref *FileRef
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		file, err := c.bot.GetFile(ctx, &tgbot.GetFileParams{FileID: fileID})
		if err != nil {
			return err
		}
		ref = &FileRef{
			FileID:   file.FileID,
			FilePath: file.FilePath,
			Size:     file.FileSize,
		}
		return nil
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to resolve file reference", "error", err)
		return nil, fmt.Errorf("failed to resolve file %s: %w", fileID, wrapAPIError(err))
	}
	return ref, nil
}

// DownloadFile fetches the bytes behind a resolved reference.
func (c *Client) DownloadFile(ctx context.Context, ref *FileRef) ([]byte, error) {
	if ref == nil || ref.FilePath == "" {
		return nil, fmt.Errorf("file reference is not resolved")
	}

	// An expired reference is a business outcome, not an API failure; it is
	// reported outside the breaker so a burst of rotations cannot open it.
	var data []byte
	var expiredErr error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		link := fmt.Sprintf("%s/file/bot%s/%s", c.fileBase, c.token, ref.FilePath)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return fmt.Errorf("failed to build download request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("file download failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			expiredErr = fmt.Errorf("file download for %s: %w", ref.FileID, ErrFileRefExpired)
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("file download for %s: unexpected status %s", ref.FileID, resp.Status)
		}

		// Bot API file downloads top out at 20 MB. One extra byte over the
		// cap distinguishes an oversized body from one that ends exactly at
		// the limit; a truncated file must never reach the object store.
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxFileDownloadBytes+1))
		if err != nil {
			return fmt.Errorf("failed to read file body for %s: %w", ref.FileID, err)
		}
		if len(data) > maxFileDownloadBytes {
			return fmt.Errorf("file download for %s exceeds the %d byte limit", ref.FileID, maxFileDownloadBytes)
		}
		if len(data) == 0 {
			return fmt.Errorf("file download for %s returned no bytes", ref.FileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expiredErr != nil {
		return nil, expiredErr
	}

	c.logger.DebugContext(ctx, "File downloaded", "file_id", ref.FileID, "bytes", len(data))
	return data, nil
}

// EditCaption replaces a message caption in the source chat. The platform
// rejects edits that would not change anything; that answer means the caption
// already reads as requested, so it is treated as success.
func (c *Client) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	_, err := c.bot.EditMessageCaption(ctx, &tgbot.EditMessageCaptionParams{
		ChatID:    chatID,
		MessageID: messageID,
		Caption:   caption,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			c.logger.DebugContext(ctx, "Caption already matches requested text",
				"chat_id", chatID, "message_id", messageID)
			return nil
		}
		return fmt.Errorf("failed to edit caption (chat %d, msg %d): %w", chatID, messageID, wrapAPIError(err))
	}
	return nil
}

// DeleteMessage removes a message from the source chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	ok, err := c.bot.DeleteMessage(ctx, &tgbot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message (chat %d, msg %d): %w", chatID, messageID, wrapAPIError(err))
	}
	if !ok {
		return fmt.Errorf("platform refused to delete message (chat %d, msg %d)", chatID, messageID)
	}
	return nil
}

// ErrFileRefExpired marks a short-lived file reference that the platform no
// longer honors. Callers fall back to sibling references or flag the row for
// redownload.
var ErrFileRefExpired = errors.New("file reference expired")

// IsFileRefExpired reports whether an error indicates a rotated or invalid
// file reference.
func IsFileRefExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFileRefExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file reference") ||
		strings.Contains(msg, "wrong file_id") ||
		strings.Contains(msg, "file is temporarily unavailable")
}

// wrapAPIError converts rate-limit answers into explicit retry-after signals
// for the retry executor.
func wrapAPIError(err error) error {
	var tooMany *tgbot.TooManyRequestsError
	if errors.As(err, &tooMany) && tooMany.RetryAfter > 0 {
		return &resilience.RetryAfterError{
			After: time.Duration(tooMany.RetryAfter) * time.Second,
			Err:   err,
		}
	}
	return err
}

// Classify maps platform API failures onto the shared retry taxonomy.
func Classify(err error) resilience.Classification {
	if err == nil {
		return resilience.Classification{}
	}

	switch {
	case IsFileRefExpired(err):
		// Retrying the same reference cannot help; the caller must fetch a
		// fresh one.
		return resilience.Classification{
			Retryable: false,
			Kind:      resilience.KindExternal,
			Reason:    "file reference expired",
		}
	case tgbot.IsTooManyRequestsError(err):
		return resilience.Classification{
			Retryable: true,
			Kind:      resilience.KindExternal,
			Reason:    "rate limited",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return resilience.Classification{
			Retryable: true,
			Kind:      resilience.KindTransient,
			Reason:    "request timed out",
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "bad request") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "not found") {
		return resilience.Classification{
			Retryable: false,
			Kind:      resilience.KindExternal,
			Reason:    "platform rejected request",
		}
	}

	return resilience.Classification{
		Retryable: true,
		Kind:      resilience.KindTransient,
		Reason:    "platform transport failure",
	}
}
