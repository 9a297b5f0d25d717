// Package media acquires message attachments into the object store and keeps
// the stored copies honest. Acquisition is idempotent: the object key is
// derived from the platform's content-stable file identifier, and duplicates
// are detected against both the database and the bucket itself.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/resilience"
	"github.com/stockpilehq/stockpile/internal/storage"
	"github.com/stockpilehq/stockpile/internal/telegram"
)

// Redownload flag reasons recorded on messages.
const (
	ReasonFileRefExpired = "file reference expired"
	ReasonObjectMissing  = "stored object missing"
	ReasonDownloadFailed = "download failed"
)

// Store is the slice of the persistence layer media acquisition needs.
type Store interface {
	FindStoredByFileUniqueID(ctx context.Context, fileUniqueID string) (*database.Message, error)
	SiblingFileRefs(ctx context.Context, groupID, fileUniqueID string, excludeID uint, now time.Time) ([]*database.Message, error)
	SetStoredObject(ctx context.Context, id uint, storagePath, publicURL string) error
	SetFileRef(ctx context.Context, id uint, fileID string, expiresAt time.Time) error
	FlagRedownload(ctx context.Context, id uint, reason string) error
	ClearRedownload(ctx context.Context, id uint) error
	IncrementRedownloadAttempts(ctx context.Context, id uint) (int, error)
	GetStoredMessages(ctx context.Context, limit int) ([]*database.Message, error)
	GetRedownloadPending(ctx context.Context, limit int) ([]*database.Message, error)
}

// PublicURLer is implemented by object store clients that can compute the
// externally reachable URL for a key.
type PublicURLer interface {
	PublicURL(key string) string
}

// Config tunes the acquirer.
type Config struct {
	FileRefTTL     time.Duration
	MaxRedownloads int
	Retry          resilience.RetryConfig
}

// Acquirer copies platform media into the object store and repairs drifted
// records.
type Acquirer struct {
	store   Store
	objects storage.ObjectStore
	api     telegram.BotAPI
	cfg     Config
	logger  *slog.Logger
}

// NewAcquirer creates a media acquirer.
func NewAcquirer(store Store, objects storage.ObjectStore, api telegram.BotAPI, cfg Config, logger *slog.Logger) *Acquirer {
	if cfg.FileRefTTL <= 0 {
		cfg.FileRefTTL = time.Hour
	}
	if cfg.MaxRedownloads <= 0 {
		cfg.MaxRedownloads = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		store:   store,
		objects: objects,
		api:     api,
		cfg:     cfg,
		logger:  logger.With("component", "media_acquirer"),
	}
}

// Acquire makes sure the message's media has a durable copy. A message
// without media is a no-op. Acquisition failure never fails caption
// processing: the row is flagged for redownload and the error is absorbed.
func (a *Acquirer) Acquire(ctx context.Context, msg *database.Message) error {
	if msg == nil || msg.FileUniqueID == "" {
		return nil
	}

	key := storage.ObjectKey(msg.FileUniqueID, msg.MimeType)

	// Duplicate check: trust the database record only when the bucket
	// confirms the object is really there.
	if reused, err := a.reuseExisting(ctx, msg); err != nil {
		a.logger.WarnContext(ctx, "Duplicate check failed, falling through to download",
			"message_id", msg.ID, "file_unique_id", msg.FileUniqueID, "error", err)
	} else if reused {
		return nil
	}

	data, mimeType, err := a.download(ctx, msg)
	if err != nil {
		reason := ReasonDownloadFailed
		if telegram.IsFileRefExpired(err) {
			reason = ReasonFileRefExpired
		}
		if flagErr := a.store.FlagRedownload(ctx, msg.ID, reason); flagErr != nil {
			return fmt.Errorf("failed to flag message %d after download failure: %w", msg.ID, flagErr)
		}
		a.logger.WarnContext(ctx, "Media download failed, flagged for redownload",
			"message_id", msg.ID, "file_unique_id", msg.FileUniqueID, "reason", reason, "error", err)
		return nil
	}

	if msg.MimeType == "" && mimeType != "" {
		msg.MimeType = mimeType
		key = storage.ObjectKey(msg.FileUniqueID, mimeType)
	}

	publicURL, err := a.objects.Upload(ctx, key, data, msg.MimeType, true)
	if err != nil {
		if flagErr := a.store.FlagRedownload(ctx, msg.ID, ReasonDownloadFailed); flagErr != nil {
			return fmt.Errorf("failed to flag message %d after upload failure: %w", msg.ID, flagErr)
		}
		a.logger.WarnContext(ctx, "Media upload failed, flagged for redownload",
			"message_id", msg.ID, "key", key, "error", err)
		return nil
	}

	if err := a.store.SetStoredObject(ctx, msg.ID, key, publicURL); err != nil {
		return fmt.Errorf("failed to record stored object for message %d: %w", msg.ID, err)
	}
	if err := a.store.ClearRedownload(ctx, msg.ID); err != nil {
		return fmt.Errorf("failed to clear redownload flag for message %d: %w", msg.ID, err)
	}
	msg.StoragePath = key
	msg.PublicURL = publicURL
	msg.NeedsRedownload = false

	a.logger.InfoContext(ctx, "Media acquired",
		"message_id", msg.ID, "file_unique_id", msg.FileUniqueID, "key", key, "bytes", len(data))
	return nil
}

// reuseExisting looks for an earlier message that already stored this exact
// content and reuses its object when the bucket agrees it exists.
func (a *Acquirer) reuseExisting(ctx context.Context, msg *database.Message) (bool, error) {
	existing, err := a.store.FindStoredByFileUniqueID(ctx, msg.FileUniqueID)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.StoragePath == "" {
		return false, nil
	}

	found, err := a.objects.Exists(ctx, existing.StoragePath)
	if err != nil {
		return false, err
	}
	if !found {
		a.logger.WarnContext(ctx, "Database claims stored object but bucket disagrees",
			"message_id", existing.ID, "storage_path", existing.StoragePath)
		return false, nil
	}

	if existing.ID != msg.ID {
		if err := a.store.SetStoredObject(ctx, msg.ID, existing.StoragePath, existing.PublicURL); err != nil {
			return false, err
		}
		msg.StoragePath = existing.StoragePath
		msg.PublicURL = existing.PublicURL
	}
	if err := a.store.ClearRedownload(ctx, msg.ID); err != nil {
		return false, err
	}
	msg.NeedsRedownload = false

	a.logger.DebugContext(ctx, "Reused stored object for duplicate media",
		"message_id", msg.ID, "source_message_id", existing.ID, "key", existing.StoragePath)
	return true, nil
}

// download fetches the media bytes, falling back to sibling file references
// when this message's own reference has expired.
func (a *Acquirer) download(ctx context.Context, msg *database.Message) ([]byte, string, error) {
	data, err := a.downloadViaFileID(ctx, msg.ID, msg.FileID)
	if err == nil {
		return data, detectMime(msg.MimeType, data), nil
	}
	if !telegram.IsFileRefExpired(err) {
		return nil, "", err
	}

	if msg.MediaGroupID == "" {
		return nil, "", err
	}

	siblings, sibErr := a.store.SiblingFileRefs(ctx, msg.MediaGroupID, msg.FileUniqueID, msg.ID, time.Now().UTC())
	if sibErr != nil {
		return nil, "", fmt.Errorf("sibling lookup after expired ref: %w", sibErr)
	}
	for _, sib := range siblings {
		a.logger.DebugContext(ctx, "Trying sibling file reference",
			"message_id", msg.ID, "sibling_id", sib.ID)
		data, sErr := a.downloadViaFileID(ctx, msg.ID, sib.FileID)
		if sErr == nil {
			return data, detectMime(msg.MimeType, data), nil
		}
		if !telegram.IsFileRefExpired(sErr) {
			return nil, "", sErr
		}
	}
	return nil, "", err
}

func (a *Acquirer) downloadViaFileID(ctx context.Context, messageID uint, fileID string) ([]byte, error) {
	if fileID == "" {
		return nil, fmt.Errorf("download for message %d: %w", messageID, telegram.ErrFileRefExpired)
	}

	var data []byte
	err := resilience.WithRetry(ctx, func(ctx context.Context) error {
		ref, err := a.api.GetFileRef(ctx, fileID)
		if err != nil {
			return err
		}
		if refErr := a.store.SetFileRef(ctx, messageID, ref.FileID, time.Now().UTC().Add(a.cfg.FileRefTTL)); refErr != nil {
			a.logger.WarnContext(ctx, "Failed to record refreshed file ref",
				"message_id", messageID, "error", refErr)
		}
		data, err = a.api.DownloadFile(ctx, ref)
		return err
	}, a.cfg.Retry, telegram.Classify)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func detectMime(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	if len(data) == 0 {
		return ""
	}
	return http.DetectContentType(data)
}

// SweepReport summarizes one repair or validation pass.
type SweepReport struct {
	Checked    int `json:"checked"`
	Repaired   int `json:"repaired"`
	Flagged    int `json:"flagged"`
	Reacquired int `json:"reacquired"`
	Errors     int `json:"errors"`
}

// ValidateStored confirms that every recorded stored object really exists in
// the bucket, flagging confirmed absences for redownload.
func (a *Acquirer) ValidateStored(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	msgs, err := a.store.GetStoredMessages(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to load stored messages: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if msg.StoragePath == "" {
			continue
		}
		report.Checked++

		found, err := a.objects.Exists(ctx, msg.StoragePath)
		if err != nil {
			// An unreachable bucket proves nothing about the object; skip
			// rather than flag on a transport failure.
			report.Errors++
			a.logger.WarnContext(ctx, "Existence check failed during validation",
				"message_id", msg.ID, "key", msg.StoragePath, "error", err)
			continue
		}
		if found {
			continue
		}

		if err := a.store.FlagRedownload(ctx, msg.ID, ReasonObjectMissing); err != nil {
			report.Errors++
			a.logger.ErrorContext(ctx, "Failed to flag missing object",
				"message_id", msg.ID, "error", err)
			continue
		}
		report.Flagged++
	}

	a.logger.InfoContext(ctx, "Stored object validation finished",
		"checked", report.Checked, "flagged", report.Flagged, "errors", report.Errors)
	return report, nil
}

// StandardizePaths rewrites stored records onto the canonical key scheme.
// Objects reachable under a legacy key are copied to the canonical key first.
func (a *Acquirer) StandardizePaths(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	msgs, err := a.store.GetStoredMessages(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to load stored messages: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if msg.StoragePath == "" {
			continue
		}
		canonical := storage.ObjectKey(msg.FileUniqueID, msg.MimeType)
		if msg.StoragePath == canonical {
			continue
		}
		report.Checked++

		if err := a.migratePath(ctx, msg, canonical); err != nil {
			report.Errors++
			a.logger.WarnContext(ctx, "Path standardization failed",
				"message_id", msg.ID, "from", msg.StoragePath, "to", canonical, "error", err)
			continue
		}
		report.Repaired++
	}

	a.logger.InfoContext(ctx, "Path standardization finished",
		"checked", report.Checked, "repaired", report.Repaired, "errors", report.Errors)
	return report, nil
}

func (a *Acquirer) migratePath(ctx context.Context, msg *database.Message, canonical string) error {
	found, err := a.objects.Exists(ctx, canonical)
	if err != nil {
		return err
	}
	if !found {
		data, contentType, err := a.objects.Download(ctx, msg.StoragePath)
		if err != nil {
			// Neither key holds the object. Flag and move on.
			if flagErr := a.store.FlagRedownload(ctx, msg.ID, ReasonObjectMissing); flagErr != nil {
				return flagErr
			}
			return fmt.Errorf("object unreachable under legacy key: %w", err)
		}
		if contentType == "" {
			contentType = msg.MimeType
		}
		if _, err := a.objects.Upload(ctx, canonical, data, contentType, true); err != nil {
			return err
		}
	}

	publicURL := msg.PublicURL
	if p, ok := a.objects.(PublicURLer); ok {
		publicURL = p.PublicURL(canonical)
	}
	return a.store.SetStoredObject(ctx, msg.ID, canonical, publicURL)
}

// FixPublicURLs recomputes public URLs from storage paths for rows whose URL
// drifted from the canonical form.
func (a *Acquirer) FixPublicURLs(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	p, ok := a.objects.(PublicURLer)
	if !ok {
		return report, fmt.Errorf("object store cannot compute public URLs")
	}

	msgs, err := a.store.GetStoredMessages(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to load stored messages: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if msg.StoragePath == "" {
			continue
		}
		report.Checked++

		want := p.PublicURL(msg.StoragePath)
		if msg.PublicURL == want {
			continue
		}
		if err := a.store.SetStoredObject(ctx, msg.ID, msg.StoragePath, want); err != nil {
			report.Errors++
			a.logger.ErrorContext(ctx, "Failed to fix public URL", "message_id", msg.ID, "error", err)
			continue
		}
		report.Repaired++
	}

	a.logger.InfoContext(ctx, "Public URL repair finished",
		"checked", report.Checked, "repaired", report.Repaired, "errors", report.Errors)
	return report, nil
}

// Redownload retries acquisition for messages flagged needs_redownload,
// honoring the persistent attempt cap.
func (a *Acquirer) Redownload(ctx context.Context, limit int) (SweepReport, error) {
	var report SweepReport

	msgs, err := a.store.GetRedownloadPending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to load messages for redownload: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		attempts, err := a.store.IncrementRedownloadAttempts(ctx, msg.ID)
		if err != nil {
			report.Errors++
			continue
		}
		if attempts > a.cfg.MaxRedownloads {
			a.logger.WarnContext(ctx, "Redownload attempts exhausted",
				"message_id", msg.ID, "attempts", attempts)
			continue
		}

		if err := a.Acquire(ctx, msg); err != nil {
			report.Errors++
			a.logger.WarnContext(ctx, "Redownload attempt failed", "message_id", msg.ID, "error", err)
			continue
		}
		if msg.StoragePath != "" && !msg.NeedsRedownload {
			report.Reacquired++
		}
	}

	a.logger.InfoContext(ctx, "Redownload pass finished",
		"checked", report.Checked, "reacquired", report.Reacquired, "errors", report.Errors)
	return report, nil
}
