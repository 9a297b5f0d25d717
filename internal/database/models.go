package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockpilehq/stockpile/internal/parser"
)

// Processing states a message moves through. Transitions are governed by the
// ingestion coordinator; the store only enforces the conditional claim.
const (
	StateInitialized    = "initialized"
	StatePending        = "pending"
	StateProcessing     = "processing"
	StateCompleted      = "completed"
	StatePartialSuccess = "partial_success"
	StateError          = "error"
	StateDeleted        = "deleted"
)

// Message is the central entity: one chat-platform message, its caption, its
// parsed content, its media bookkeeping, and its processing lifecycle.
type Message struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	PlatformMessageID int64 `db:"platform_message_id"`
	ChatID            int64 `db:"chat_id"`

	MediaGroupID       string        `db:"media_group_id"`
	IsOriginalCaption  bool          `db:"is_original_caption"`
	GroupCaptionSynced bool          `db:"group_caption_synced"`
	MessageCaptionID   sql.NullInt64 `db:"message_caption_id"`

	Caption            string `db:"caption"`
	AnalyzedContent    string `db:"analyzed_content"`
	OldAnalyzedContent string `db:"old_analyzed_content"`
	EditCount          int    `db:"edit_count"`

	FileUniqueID        string       `db:"file_unique_id"`
	FileID              string       `db:"file_id"`
	FileIDExpiresAt     sql.NullTime `db:"file_id_expires_at"`
	MimeType            string       `db:"mime_type"`
	StoragePath         string       `db:"storage_path"`
	PublicURL           string       `db:"public_url"`
	NeedsRedownload     bool         `db:"needs_redownload"`
	RedownloadReason    string       `db:"redownload_reason"`
	RedownloadFlaggedAt sql.NullTime `db:"redownload_flagged_at"`
	RedownloadAttempts  int          `db:"redownload_attempts"`

	ProcessingState       string       `db:"processing_state"`
	ProcessingStartedAt   sql.NullTime `db:"processing_started_at"`
	ProcessingCompletedAt sql.NullTime `db:"processing_completed_at"`
	StalledResets         int          `db:"stalled_resets"`
	ErrorMessage          string       `db:"error_message"`
	LastErrorAt           sql.NullTime `db:"last_error_at"`
	CorrelationID         string       `db:"correlation_id"`

	DeletedFromTelegram bool `db:"deleted_from_telegram"`
}

// ArchiveEntry is one timestamped snapshot of content superseded by a sync or
// an edit. old_analyzed_content is an append-only list of these.
type ArchiveEntry struct {
	Content    json.RawMessage `json:"content"`
	ArchivedAt time.Time       `json:"archived_at"`
	Reason     string          `json:"reason"`
}

// ParsedContent decodes the message's analyzed content. Returns nil when the
// message has none.
func (m *Message) ParsedContent() (*parser.ParsedContent, error) {
	if m.AnalyzedContent == "" {
		return nil, nil
	}
	var pc parser.ParsedContent
	if err := json.Unmarshal([]byte(m.AnalyzedContent), &pc); err != nil {
		return nil, fmt.Errorf("failed to decode analyzed content for message %d: %w", m.ID, err)
	}
	return &pc, nil
}

// HasCaption reports whether the message carries a non-blank caption.
func (m *Message) HasCaption() bool {
	return m.Caption != ""
}

// AppendArchive appends a snapshot of content to an old_analyzed_content
// JSON list and returns the new list. The list is append-only; existing
// entries are never rewritten.
func AppendArchive(history, content, reason string, at time.Time) (string, error) {
	var entries []ArchiveEntry
	if history != "" {
		if err := json.Unmarshal([]byte(history), &entries); err != nil {
			return "", fmt.Errorf("failed to decode content history: %w", err)
		}
	}
	entries = append(entries, ArchiveEntry{
		Content:    json.RawMessage(content),
		ArchivedAt: at.UTC(),
		Reason:     reason,
	})
	out, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode content history: %w", err)
	}
	return string(out), nil
}

// GroupSyncTask is one durable deferred re-check for a media group whose
// caption had not arrived when a sibling was ingested.
type GroupSyncTask struct {
	MediaGroupID string    `db:"media_group_id"`
	EnqueuedAt   time.Time `db:"enqueued_at"`
	RunAfter     time.Time `db:"run_after"`
	Attempts     int       `db:"attempts"`
}

// EncodeContent serializes parsed content for storage.
func EncodeContent(pc *parser.ParsedContent) (string, error) {
	out, err := json.Marshal(pc)
	if err != nil {
		return "", fmt.Errorf("failed to encode parsed content: %w", err)
	}
	return string(out), nil
}
