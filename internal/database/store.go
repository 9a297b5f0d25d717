package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. Methods accept
// context.Context for cancellation and timeouts. Absent rows are returned as
// (nil, nil) rather than errors where the caller treats absence as normal.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertMessage inserts a message record or updates the caption and media
	// fields of the existing non-deleted record with the same
	// (chat_id, platform_message_id). The struct's ID is populated.
	UpsertMessage(ctx context.Context, message *Message) error

	// GetMessageByID retrieves a message by surrogate key. Returns nil, nil if not found.
	GetMessageByID(ctx context.Context, id uint) (*Message, error)

	// GetMessageByChatAndID retrieves the non-deleted message identified by
	// (chat_id, platform_message_id). Returns nil, nil if not found.
	GetMessageByChatAndID(ctx context.Context, chatID, platformMessageID int64) (*Message, error)

	// MarkMessagePending moves a freshly upserted message into the pending
	// state, making it claimable.
	MarkMessagePending(ctx context.Context, id uint) error

	// ClaimMessage atomically moves a pending message to processing and stamps
	// processing_started_at. A false return with nil error means another
	// worker already holds the claim; that is a benign no-op.
	ClaimMessage(ctx context.Context, id uint, correlationID string) (bool, error)

	// ReleaseMessage returns a claimed message to pending without recording
	// an outcome, for work that must wait on state another message has not
	// produced yet.
	ReleaseMessage(ctx context.Context, id uint) error

	// MarkMessageParsed finishes a processing pass with completed or
	// partial_success and stores the analyzed content.
	MarkMessageParsed(ctx context.Context, id uint, state, content string) error

	// MarkMessageError moves a message to the error state with a reason.
	MarkMessageError(ctx context.Context, id uint, reason string) error

	// RequeueMessage returns a completed or errored message to pending
	// (force-reprocess request).
	RequeueMessage(ctx context.Context, id uint) error

	// RequeueEdited applies an edited caption: bumps edit_count, replaces the
	// content history with the provided list, and returns the row to pending.
	RequeueEdited(ctx context.Context, id uint, caption, history string) error

	// SoftDeleteMessage marks the message deleted without touching stored objects.
	SoftDeleteMessage(ctx context.Context, chatID, platformMessageID int64) error

	// DeleteMessage removes the row permanently. Object cleanup is the
	// caller's responsibility.
	DeleteMessage(ctx context.Context, id uint) error

	// GetPendingMessages retrieves up to limit messages awaiting processing,
	// oldest first.
	GetPendingMessages(ctx context.Context, limit int) ([]*Message, error)

	// ResetStalledMessages returns messages stuck in processing beyond the
	// staleness window to pending, incrementing their reset counter; rows
	// that already used up maxResets are moved to error instead. Returns the
	// number requeued and the number errored.
	ResetStalledMessages(ctx context.Context, olderThan time.Duration, maxResets int) (int64, int64, error)

	// GetMediaGroupMessages retrieves every non-deleted message sharing a
	// media group id, creation order ascending.
	GetMediaGroupMessages(ctx context.Context, groupID string) ([]*Message, error)

	// ApplySyncedContent overwrites a sibling's analyzed content from a sync
	// source and stamps the grouping flags.
	ApplySyncedContent(ctx context.Context, targetID, sourceID uint, content, history string) error

	// MarkSyncSource stamps the source message of a group sync.
	MarkSyncSource(ctx context.Context, id uint) error

	// FindStoredByFileUniqueID returns the earliest message holding a storage
	// path for the given content-stable identifier. Returns nil, nil if none.
	FindStoredByFileUniqueID(ctx context.Context, fileUniqueID string) (*Message, error)

	// SiblingFileRefs returns messages in the same media group sharing the
	// content identifier whose short-lived file reference is still valid.
	SiblingFileRefs(ctx context.Context, groupID, fileUniqueID string, excludeID uint, now time.Time) ([]*Message, error)

	// SetStoredObject records where a message's media landed.
	SetStoredObject(ctx context.Context, id uint, storagePath, publicURL string) error

	// SetFileRef records a fresh short-lived file reference.
	SetFileRef(ctx context.Context, id uint, fileID string, expiresAt time.Time) error

	// FlagRedownload marks a message's media as needing re-acquisition.
	FlagRedownload(ctx context.Context, id uint, reason string) error

	// ClearRedownload resets the redownload flag after a successful acquisition.
	ClearRedownload(ctx context.Context, id uint) error

	// IncrementRedownloadAttempts bumps the persistent attempt counter and
	// returns the new value.
	IncrementRedownloadAttempts(ctx context.Context, id uint) (int, error)

	// GetStoredMessages retrieves non-deleted messages that reference media,
	// for the validation sweep.
	GetStoredMessages(ctx context.Context, limit int) ([]*Message, error)

	// GetRedownloadPending retrieves non-deleted messages flagged for media
	// re-acquisition, oldest first, so the redownload sweep visits flagged
	// rows directly instead of scanning a generic window.
	GetRedownloadPending(ctx context.Context, limit int) ([]*Message, error)

	// EnqueueGroupRecheck records one durable deferred re-check for a media
	// group. Re-enqueueing an already queued group is a no-op.
	EnqueueGroupRecheck(ctx context.Context, groupID string, runAfter time.Time) error

	// DueGroupRechecks returns queued re-checks whose run_after has passed.
	DueGroupRechecks(ctx context.Context, now time.Time, limit int) ([]GroupSyncTask, error)

	// CompleteGroupRecheck removes a re-check from the queue.
	CompleteGroupRecheck(ctx context.Context, groupID string) error

	// DeferGroupRecheck pushes a re-check's run_after forward and bumps its
	// attempt counter.
	DeferGroupRecheck(ctx context.Context, groupID string, nextRun time.Time) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

const messageColumns = `id, created_at, updated_at, platform_message_id, chat_id,
		media_group_id, is_original_caption, group_caption_synced, message_caption_id,
		caption, analyzed_content, old_analyzed_content, edit_count,
		file_unique_id, file_id, file_id_expires_at, mime_type, storage_path, public_url,
		needs_redownload, redownload_reason, redownload_flagged_at, redownload_attempts,
		processing_state, processing_started_at, processing_completed_at, stalled_resets,
		error_message, last_error_at, correlation_id, deleted_from_telegram`

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertMessage inserts a new message record or refreshes the mutable intake
// fields of the existing one.
func (s *sqlxStore) UpsertMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("cannot save nil message")
	}
	if message.ChatID == 0 {
		return fmt.Errorf("message must have a non-zero chat_id")
	}
	if message.PlatformMessageID == 0 {
		return fmt.Errorf("message must have a non-zero platform_message_id")
	}

	now := time.Now().UTC()
	message.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for message upsert",
			"chat_id", message.ChatID, "platform_message_id", message.PlatformMessageID, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	var existingID uint
	err = tx.GetContext(ctx, &existingID,
		`SELECT id FROM messages WHERE chat_id = ? AND platform_message_id = ? AND deleted_from_telegram = 0`,
		message.ChatID, message.PlatformMessageID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if message.CreatedAt.IsZero() {
			message.CreatedAt = now
		}
		if message.ProcessingState == "" {
			message.ProcessingState = StateInitialized
		}
		if message.OldAnalyzedContent == "" {
			message.OldAnalyzedContent = "[]"
		}
		query := `
			INSERT INTO messages (
				created_at, updated_at, platform_message_id, chat_id,
				media_group_id, is_original_caption, group_caption_synced, message_caption_id,
				caption, analyzed_content, old_analyzed_content, edit_count,
				file_unique_id, file_id, file_id_expires_at, mime_type, storage_path, public_url,
				needs_redownload, redownload_reason, redownload_flagged_at, redownload_attempts,
				processing_state, processing_started_at, processing_completed_at, stalled_resets,
				error_message, last_error_at, correlation_id, deleted_from_telegram
			) VALUES (
				:created_at, :updated_at, :platform_message_id, :chat_id,
				:media_group_id, :is_original_caption, :group_caption_synced, :message_caption_id,
				:caption, :analyzed_content, :old_analyzed_content, :edit_count,
				:file_unique_id, :file_id, :file_id_expires_at, :mime_type, :storage_path, :public_url,
				:needs_redownload, :redownload_reason, :redownload_flagged_at, :redownload_attempts,
				:processing_state, :processing_started_at, :processing_completed_at, :stalled_resets,
				:error_message, :last_error_at, :correlation_id, :deleted_from_telegram
			)`
		result, err := tx.NamedExecContext(ctx, query, message)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error inserting message",
				"chat_id", message.ChatID, "platform_message_id", message.PlatformMessageID, "error", err)
			return fmt.Errorf("failed to insert message (chat %d, msg %d): %w",
				message.ChatID, message.PlatformMessageID, err)
		}
		if id, idErr := result.LastInsertId(); idErr == nil {
			message.ID = uint(id)
		} else {
			s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
				"chat_id", message.ChatID, "error", idErr)
		}

	case err != nil:
		s.logger.ErrorContext(ctx, "Error checking for existing message",
			"chat_id", message.ChatID, "platform_message_id", message.PlatformMessageID, "error", err)
		return fmt.Errorf("failed to check for existing message: %w", err)

	default:
		message.ID = existingID
		query := `
			UPDATE messages SET
				updated_at = :updated_at,
				media_group_id = :media_group_id,
				caption = :caption,
				file_unique_id = :file_unique_id,
				file_id = :file_id,
				file_id_expires_at = :file_id_expires_at,
				mime_type = :mime_type,
				correlation_id = :correlation_id
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, query, message); err != nil {
			s.logger.ErrorContext(ctx, "Error updating message on upsert",
				"message_id", message.ID, "error", err)
			return fmt.Errorf("failed to update message %d: %w", message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit message upsert",
			"chat_id", message.ChatID, "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message upserted",
		"message_id", message.ID, "chat_id", message.ChatID,
		"platform_message_id", message.PlatformMessageID)
	return nil
}

// GetMessageByID retrieves a message by surrogate key. Returns nil, nil if not found.
func (s *sqlxStore) GetMessageByID(ctx context.Context, id uint) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("message id cannot be zero")
	}
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting message by ID", "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &m, nil
}

// GetMessageByChatAndID retrieves the non-deleted message identified by
// (chat_id, platform_message_id). Returns nil, nil if not found.
func (s *sqlxStore) GetMessageByChatAndID(ctx context.Context, chatID, platformMessageID int64) (*Message, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("chat_id cannot be zero")
	}
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND platform_message_id = ? AND deleted_from_telegram = 0`,
		chatID, platformMessageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting message",
			"chat_id", chatID, "platform_message_id", platformMessageID, "error", err)
		return nil, fmt.Errorf("failed to get message (chat %d, msg %d): %w", chatID, platformMessageID, err)
	}
	return &m, nil
}

// MarkMessagePending makes a message claimable. Rows already processing or in
// a terminal state are left alone; requeueing those goes through
// RequeueMessage so the transition stays deliberate.
func (s *sqlxStore) MarkMessagePending(ctx context.Context, id uint) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			updated_at = ?
		 WHERE id = ? AND processing_state = ?`,
		StatePending, time.Now().UTC(), id, StateInitialized)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking message pending", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %d pending: %w", id, err)
	}
	return nil
}

// ClaimMessage atomically claims a pending message for processing. The WHERE
// clause on processing_state is the only mutual exclusion primitive in the
// system; zero rows affected means another worker won the claim.
func (s *sqlxStore) ClaimMessage(ctx context.Context, id uint, correlationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			processing_started_at = ?,
			correlation_id = ?,
			updated_at = ?
		 WHERE id = ? AND processing_state = ?`,
		StateProcessing, time.Now().UTC(), correlationID, time.Now().UTC(), id, StatePending)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error claiming message", "message_id", id, "error", err)
		return false, fmt.Errorf("failed to claim message %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for message %d: %w", id, err)
	}
	if affected == 0 {
		s.logger.DebugContext(ctx, "Message already claimed by another worker", "message_id", id)
		return false, nil
	}
	return true, nil
}

// MarkMessageParsed finishes a processing pass and stores analyzed content.
func (s *sqlxStore) MarkMessageParsed(ctx context.Context, id uint, state, content string) error {
	if state != StateCompleted && state != StatePartialSuccess {
		return fmt.Errorf("invalid terminal parse state %q", state)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			analyzed_content = ?,
			processing_completed_at = ?,
			error_message = '',
			updated_at = ?
		 WHERE id = ?`,
		state, content, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking message parsed", "message_id", id, "state", state, "error", err)
		return fmt.Errorf("failed to mark message %d parsed: %w", id, err)
	}
	return nil
}

// MarkMessageError moves a message to the error state with a reason, so no
// message is ever left silently stuck.
func (s *sqlxStore) MarkMessageError(ctx context.Context, id uint, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			error_message = ?,
			last_error_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		StateError, reason, now, now, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking message errored", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %d errored: %w", id, err)
	}
	return nil
}

// RequeueMessage returns a completed or errored message to pending.
// ReleaseMessage hands a claimed message back to the pending queue. Only a
// row currently in processing can be released; anything else keeps its state.
func (s *sqlxStore) ReleaseMessage(ctx context.Context, id uint) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			processing_started_at = NULL,
			updated_at = ?
		 WHERE id = ? AND processing_state = ?`,
		StatePending, time.Now().UTC(), id, StateProcessing)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error releasing message", "message_id", id, "error", err)
		return fmt.Errorf("failed to release message %d: %w", id, err)
	}
	if affected, raErr := result.RowsAffected(); raErr == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Release touched no rows, message not in processing", "message_id", id)
	}
	return nil
}

func (s *sqlxStore) RequeueMessage(ctx context.Context, id uint) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			processing_started_at = NULL,
			processing_completed_at = NULL,
			error_message = '',
			updated_at = ?
		 WHERE id = ? AND processing_state IN (?, ?, ?)`,
		StatePending, time.Now().UTC(), id, StateCompleted, StateError, StatePartialSuccess)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error requeueing message", "message_id", id, "error", err)
		return fmt.Errorf("failed to requeue message %d: %w", id, err)
	}
	if affected, raErr := result.RowsAffected(); raErr == nil && affected == 0 {
		s.logger.DebugContext(ctx, "Requeue touched no rows, message not in a terminal state", "message_id", id)
	}
	return nil
}

// RequeueEdited applies a caption edit and returns the message to pending.
func (s *sqlxStore) RequeueEdited(ctx context.Context, id uint, caption, history string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			caption = ?,
			old_analyzed_content = ?,
			edit_count = edit_count + 1,
			processing_state = ?,
			processing_started_at = NULL,
			processing_completed_at = NULL,
			error_message = '',
			updated_at = ?
		 WHERE id = ?`,
		caption, history, StatePending, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error requeueing edited message", "message_id", id, "error", err)
		return fmt.Errorf("failed to requeue edited message %d: %w", id, err)
	}
	return nil
}

// SoftDeleteMessage marks a message deleted from the platform.
func (s *sqlxStore) SoftDeleteMessage(ctx context.Context, chatID, platformMessageID int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			deleted_from_telegram = 1,
			processing_state = ?,
			updated_at = ?
		 WHERE chat_id = ? AND platform_message_id = ? AND deleted_from_telegram = 0`,
		StateDeleted, now, chatID, platformMessageID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error soft-deleting message",
			"chat_id", chatID, "platform_message_id", platformMessageID, "error", err)
		return fmt.Errorf("failed to soft-delete message (chat %d, msg %d): %w", chatID, platformMessageID, err)
	}
	count, _ := result.RowsAffected()
	s.logger.InfoContext(ctx, "Message soft-deleted",
		"chat_id", chatID, "platform_message_id", platformMessageID, "affected", count)
	return nil
}

// DeleteMessage removes the row permanently.
func (s *sqlxStore) DeleteMessage(ctx context.Context, id uint) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting message", "message_id", id, "error", err)
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	s.logger.InfoContext(ctx, "Message deleted", "message_id", id)
	return nil
}

// GetPendingMessages retrieves messages awaiting processing, oldest first.
func (s *sqlxStore) GetPendingMessages(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE processing_state = ? AND deleted_from_telegram = 0
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`, StatePending, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting pending messages", "error", err)
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}
	return messages, nil
}

// ResetStalledMessages reclaims rows stuck in processing. Rows that already
// used up maxResets are moved to error instead, so a crashing message cannot
// loop through the sweep forever.
func (s *sqlxStore) ResetStalledMessages(ctx context.Context, olderThan time.Duration, maxResets int) (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction for stalled reset: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	failedResult, err := tx.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			error_message = 'processing stalled: retry budget exhausted',
			last_error_at = ?,
			updated_at = ?
		 WHERE processing_state = ? AND processing_started_at < ? AND stalled_resets >= ?`,
		StateError, now, now, StateProcessing, cutoff, maxResets)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail exhausted stalled messages: %w", err)
	}
	failed, _ := failedResult.RowsAffected()

	resetResult, err := tx.ExecContext(ctx,
		`UPDATE messages SET
			processing_state = ?,
			processing_started_at = NULL,
			stalled_resets = stalled_resets + 1,
			updated_at = ?
		 WHERE processing_state = ? AND processing_started_at < ?`,
		StatePending, now, StateProcessing, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reset stalled messages: %w", err)
	}
	reset, _ := resetResult.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit stalled reset: %w", err)
	}
	tx = nil

	if reset > 0 || failed > 0 {
		s.logger.InfoContext(ctx, "Reclaimed stalled messages", "reset", reset, "errored", failed)
	}
	return reset, failed, nil
}

// GetMediaGroupMessages retrieves every non-deleted message of a media group,
// creation order ascending.
func (s *sqlxStore) GetMediaGroupMessages(ctx context.Context, groupID string) ([]*Message, error) {
	if groupID == "" {
		return nil, fmt.Errorf("media_group_id cannot be empty")
	}
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE media_group_id = ? AND deleted_from_telegram = 0
		 ORDER BY created_at ASC, id ASC`, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting media group messages", "media_group_id", groupID, "error", err)
		return nil, fmt.Errorf("failed to get messages for media group %s: %w", groupID, err)
	}
	return messages, nil
}

// ApplySyncedContent overwrites a sibling's content from the group's sync
// source and stamps the grouping flags.
func (s *sqlxStore) ApplySyncedContent(ctx context.Context, targetID, sourceID uint, content, history string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			analyzed_content = ?,
			old_analyzed_content = ?,
			message_caption_id = ?,
			is_original_caption = 0,
			group_caption_synced = 1,
			processing_state = ?,
			processing_completed_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		content, history, sourceID, StateCompleted, now, now, targetID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error applying synced content",
			"target_id", targetID, "source_id", sourceID, "error", err)
		return fmt.Errorf("failed to apply synced content to message %d: %w", targetID, err)
	}
	return nil
}

// MarkSyncSource stamps the source message of a group sync.
func (s *sqlxStore) MarkSyncSource(ctx context.Context, id uint) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			is_original_caption = 1,
			group_caption_synced = 1,
			updated_at = ?
		 WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error marking sync source", "message_id", id, "error", err)
		return fmt.Errorf("failed to mark message %d as sync source: %w", id, err)
	}
	return nil
}

// FindStoredByFileUniqueID returns the earliest message holding a storage
// path for the content identifier. Returns nil, nil if none.
func (s *sqlxStore) FindStoredByFileUniqueID(ctx context.Context, fileUniqueID string) (*Message, error) {
	if fileUniqueID == "" {
		return nil, fmt.Errorf("file_unique_id cannot be empty")
	}
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages
		 WHERE file_unique_id = ? AND storage_path != ''
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`, fileUniqueID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error finding stored object", "file_unique_id", fileUniqueID, "error", err)
		return nil, fmt.Errorf("failed to find stored object for %s: %w", fileUniqueID, err)
	}
	return &m, nil
}

// SiblingFileRefs returns group siblings sharing the content identifier whose
// file reference has not expired.
func (s *sqlxStore) SiblingFileRefs(ctx context.Context, groupID, fileUniqueID string, excludeID uint, now time.Time) ([]*Message, error) {
	if groupID == "" || fileUniqueID == "" {
		return nil, nil
	}
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE media_group_id = ?
		   AND file_unique_id = ?
		   AND id != ?
		   AND file_id != ''
		   AND (file_id_expires_at IS NULL OR file_id_expires_at > ?)
		   AND deleted_from_telegram = 0
		 ORDER BY file_id_expires_at DESC`,
		groupID, fileUniqueID, excludeID, now.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error finding sibling file refs",
			"media_group_id", groupID, "file_unique_id", fileUniqueID, "error", err)
		return nil, fmt.Errorf("failed to find sibling refs for %s: %w", fileUniqueID, err)
	}
	return messages, nil
}

// SetStoredObject records where a message's media landed.
func (s *sqlxStore) SetStoredObject(ctx context.Context, id uint, storagePath, publicURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			storage_path = ?,
			public_url = ?,
			updated_at = ?
		 WHERE id = ?`, storagePath, publicURL, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting stored object", "message_id", id, "error", err)
		return fmt.Errorf("failed to set stored object for message %d: %w", id, err)
	}
	return nil
}

// SetFileRef records a fresh short-lived file reference.
func (s *sqlxStore) SetFileRef(ctx context.Context, id uint, fileID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			file_id = ?,
			file_id_expires_at = ?,
			updated_at = ?
		 WHERE id = ?`, fileID, expiresAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting file ref", "message_id", id, "error", err)
		return fmt.Errorf("failed to set file ref for message %d: %w", id, err)
	}
	return nil
}

// FlagRedownload marks a message's media as needing re-acquisition.
func (s *sqlxStore) FlagRedownload(ctx context.Context, id uint, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			needs_redownload = 1,
			redownload_reason = ?,
			redownload_flagged_at = ?,
			updated_at = ?
		 WHERE id = ?`, reason, now, now, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error flagging redownload", "message_id", id, "error", err)
		return fmt.Errorf("failed to flag redownload for message %d: %w", id, err)
	}
	s.logger.InfoContext(ctx, "Message flagged for redownload", "message_id", id, "reason", reason)
	return nil
}

// ClearRedownload resets the redownload flag after a successful acquisition.
func (s *sqlxStore) ClearRedownload(ctx context.Context, id uint) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			needs_redownload = 0,
			redownload_reason = '',
			redownload_flagged_at = NULL,
			updated_at = ?
		 WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error clearing redownload flag", "message_id", id, "error", err)
		return fmt.Errorf("failed to clear redownload flag for message %d: %w", id, err)
	}
	return nil
}

// IncrementRedownloadAttempts bumps the persistent attempt counter and
// returns the new value so schedulers can cap attempts globally.
func (s *sqlxStore) IncrementRedownloadAttempts(ctx context.Context, id uint) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for attempt counter: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET redownload_attempts = redownload_attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return 0, fmt.Errorf("failed to increment redownload attempts for message %d: %w", id, err)
	}

	var attempts int
	if err := tx.GetContext(ctx, &attempts,
		`SELECT redownload_attempts FROM messages WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to read redownload attempts for message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit attempt counter: %w", err)
	}
	tx = nil
	return attempts, nil
}

// GetStoredMessages retrieves non-deleted messages referencing media, for the
// validation sweep.
func (s *sqlxStore) GetStoredMessages(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE file_unique_id != ''
		   AND deleted_from_telegram = 0
		 ORDER BY id ASC
		 LIMIT ?`, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting stored messages", "error", err)
		return nil, fmt.Errorf("failed to get stored messages: %w", err)
	}
	return messages, nil
}

// GetRedownloadPending targets flagged rows directly; a generic id-ordered
// window would let flagged rows past the window starve as the table grows.
func (s *sqlxStore) GetRedownloadPending(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages
		 WHERE needs_redownload = 1
		   AND file_unique_id != ''
		   AND deleted_from_telegram = 0
		 ORDER BY id ASC
		 LIMIT ?`, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting redownload-flagged messages", "error", err)
		return nil, fmt.Errorf("failed to get redownload-flagged messages: %w", err)
	}
	return messages, nil
}

// EnqueueGroupRecheck records one durable deferred re-check for a media
// group. The queue is keyed by group, so re-enqueueing is a no-op.
func (s *sqlxStore) EnqueueGroupRecheck(ctx context.Context, groupID string, runAfter time.Time) error {
	if groupID == "" {
		return fmt.Errorf("media_group_id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_sync_queue (media_group_id, enqueued_at, run_after, attempts)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT (media_group_id) DO NOTHING`,
		groupID, time.Now().UTC(), runAfter.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error enqueueing group recheck", "media_group_id", groupID, "error", err)
		return fmt.Errorf("failed to enqueue recheck for group %s: %w", groupID, err)
	}
	s.logger.DebugContext(ctx, "Group recheck enqueued", "media_group_id", groupID, "run_after", runAfter)
	return nil
}

// DueGroupRechecks returns queued re-checks whose run_after has passed.
func (s *sqlxStore) DueGroupRechecks(ctx context.Context, now time.Time, limit int) ([]GroupSyncTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []GroupSyncTask
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT media_group_id, enqueued_at, run_after, attempts
		 FROM group_sync_queue
		 WHERE run_after <= ?
		 ORDER BY run_after ASC
		 LIMIT ?`, now.UTC(), limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting due group rechecks", "error", err)
		return nil, fmt.Errorf("failed to get due group rechecks: %w", err)
	}
	return tasks, nil
}

// CompleteGroupRecheck removes a re-check from the queue.
func (s *sqlxStore) CompleteGroupRecheck(ctx context.Context, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_sync_queue WHERE media_group_id = ?`, groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error completing group recheck", "media_group_id", groupID, "error", err)
		return fmt.Errorf("failed to complete recheck for group %s: %w", groupID, err)
	}
	return nil
}

// DeferGroupRecheck pushes a re-check forward and bumps its attempt counter.
func (s *sqlxStore) DeferGroupRecheck(ctx context.Context, groupID string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_sync_queue SET run_after = ?, attempts = attempts + 1 WHERE media_group_id = ?`,
		nextRun.UTC(), groupID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deferring group recheck", "media_group_id", groupID, "error", err)
		return fmt.Errorf("failed to defer recheck for group %s: %w", groupID, err)
	}
	return nil
}
