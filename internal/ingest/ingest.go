// Package ingest coordinates the message lifecycle: intake, the conditional
// processing claim, caption parsing with AI escalation, media acquisition,
// and media group synchronization. Every message that enters processing
// leaves it in a terminal state; nothing is allowed to stay silently stuck.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/gemini"
	"github.com/stockpilehq/stockpile/internal/groupsync"
	"github.com/stockpilehq/stockpile/internal/parser"
)

// ArchiveReasonEdit is recorded on history entries written by a caption edit.
const ArchiveReasonEdit = "edit"

// Store is the slice of the persistence layer the coordinator needs.
type Store interface {
	UpsertMessage(ctx context.Context, message *database.Message) error
	GetMessageByID(ctx context.Context, id uint) (*database.Message, error)
	GetMessageByChatAndID(ctx context.Context, chatID, platformMessageID int64) (*database.Message, error)
	MarkMessagePending(ctx context.Context, id uint) error
	ClaimMessage(ctx context.Context, id uint, correlationID string) (bool, error)
	ReleaseMessage(ctx context.Context, id uint) error
	MarkMessageParsed(ctx context.Context, id uint, state, content string) error
	MarkMessageError(ctx context.Context, id uint, reason string) error
	RequeueMessage(ctx context.Context, id uint) error
	RequeueEdited(ctx context.Context, id uint, caption, history string) error
	SoftDeleteMessage(ctx context.Context, chatID, platformMessageID int64) error
	GetPendingMessages(ctx context.Context, limit int) ([]*database.Message, error)
	ResetStalledMessages(ctx context.Context, olderThan time.Duration, maxResets int) (int64, int64, error)
}

// MediaAcquirer secures a durable copy of a message's media.
type MediaAcquirer interface {
	Acquire(ctx context.Context, msg *database.Message) error
}

// GroupSyncer propagates caption content across media groups.
type GroupSyncer interface {
	Sync(ctx context.Context, groupID string, sourceID uint, opts groupsync.Options) (*groupsync.Result, error)
	AdoptContent(ctx context.Context, msg *database.Message) (bool, error)
}

// Config tunes the coordinator.
type Config struct {
	StalledAfter     time.Duration
	MaxStalledResets int
	PendingBatchSize int
}

// Coordinator drives messages through their processing lifecycle.
type Coordinator struct {
	store    Store
	acquirer MediaAcquirer
	syncer   GroupSyncer
	ai       gemini.Completer
	cfg      Config
	logger   *slog.Logger
}

// NewCoordinator creates an ingestion coordinator. ai may be nil, which
// disables escalation.
func NewCoordinator(store Store, acquirer MediaAcquirer, syncer GroupSyncer, ai gemini.Completer, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = 5 * time.Minute
	}
	if cfg.MaxStalledResets <= 0 {
		cfg.MaxStalledResets = 3
	}
	if cfg.PendingBatchSize <= 0 {
		cfg.PendingBatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		acquirer: acquirer,
		syncer:   syncer,
		ai:       ai,
		cfg:      cfg,
		logger:   logger.With("component", "ingest_coordinator"),
	}
}

// HandleNewMessage ingests a message and processes it immediately. Duplicate
// deliveries collapse onto the existing row through the upsert.
func (c *Coordinator) HandleNewMessage(ctx context.Context, msg *database.Message) error {
	if msg == nil {
		return fmt.Errorf("cannot ingest nil message")
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	log := c.logger.With("correlation_id", msg.CorrelationID)

	if err := c.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to ingest message: %w", err)
	}
	if err := c.store.MarkMessagePending(ctx, msg.ID); err != nil {
		return err
	}

	log.InfoContext(ctx, "Message ingested",
		"message_id", msg.ID, "chat_id", msg.ChatID,
		"platform_message_id", msg.PlatformMessageID,
		"media_group_id", msg.MediaGroupID, "has_caption", msg.HasCaption())

	return c.Process(ctx, msg.ID, msg.CorrelationID)
}

// HandleEditedMessage applies a caption edit. Unchanged captions are a no-op;
// a real change archives the previous analyzed content and reprocesses.
func (c *Coordinator) HandleEditedMessage(ctx context.Context, chatID, platformMessageID int64, newCaption string) error {
	msg, err := c.store.GetMessageByChatAndID(ctx, chatID, platformMessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		// Edit of a message ingested before this system watched the chat.
		c.logger.InfoContext(ctx, "Edit for unknown message, ingesting as new",
			"chat_id", chatID, "platform_message_id", platformMessageID)
		return c.HandleNewMessage(ctx, &database.Message{
			ChatID:            chatID,
			PlatformMessageID: platformMessageID,
			Caption:           newCaption,
		})
	}

	if msg.Caption == newCaption {
		c.logger.DebugContext(ctx, "Edit did not change the caption, skipping",
			"message_id", msg.ID)
		return nil
	}

	correlationID := uuid.NewString()
	history := msg.OldAnalyzedContent
	if msg.AnalyzedContent != "" {
		history, err = database.AppendArchive(history, msg.AnalyzedContent, ArchiveReasonEdit, time.Now().UTC())
		if err != nil {
			return err
		}
	}
	if err := c.store.RequeueEdited(ctx, msg.ID, newCaption, history); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Caption edit accepted",
		"message_id", msg.ID, "edit_count", msg.EditCount+1, "correlation_id", correlationID)

	return c.Process(ctx, msg.ID, correlationID)
}

// HandleDeletedMessage marks a message gone from the source chat. Stored
// media and parsed content survive the deletion.
func (c *Coordinator) HandleDeletedMessage(ctx context.Context, chatID, platformMessageID int64) error {
	return c.store.SoftDeleteMessage(ctx, chatID, platformMessageID)
}

// Process claims a pending message and runs the full workflow. Losing the
// claim to another worker is a benign no-op; a claim against a message that
// does not exist at all is ErrNotFound.
func (c *Coordinator) Process(ctx context.Context, messageID uint, correlationID string) error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := c.logger.With("correlation_id", correlationID, "message_id", messageID)

	claimed, err := c.store.ClaimMessage(ctx, messageID, correlationID)
	if err != nil {
		return err
	}
	if !claimed {
		existing, err := c.store.GetMessageByID(ctx, messageID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("process message %d: %w", messageID, ErrNotFound)
		}
		log.DebugContext(ctx, "Claim lost, message already being processed")
		return nil
	}

	msg, err := c.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("claimed message %d no longer exists", messageID)
	}

	if err := c.runWorkflow(ctx, msg, log); err != nil {
		if markErr := c.store.MarkMessageError(ctx, messageID, err.Error()); markErr != nil {
			log.ErrorContext(ctx, "Failed to record processing error", "error", markErr)
		}
		log.ErrorContext(ctx, "Message processing failed", "error", err)
		return err
	}
	return nil
}

// Reprocess forces a terminal-state message back through the workflow.
func (c *Coordinator) Reprocess(ctx context.Context, messageID uint, correlationID string) error {
	if err := c.store.RequeueMessage(ctx, messageID); err != nil {
		return err
	}
	return c.Process(ctx, messageID, correlationID)
}

func (c *Coordinator) runWorkflow(ctx context.Context, msg *database.Message, log *slog.Logger) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Media first. Acquisition failures are absorbed inside the acquirer by
	// flagging the row, so caption processing always continues.
	if c.acquirer != nil && msg.FileUniqueID != "" {
		if err := c.acquirer.Acquire(ctx, msg); err != nil {
			return fmt.Errorf("media acquisition: %w", err)
		}
	}

	if !msg.HasCaption() {
		return c.finishCaptionless(ctx, msg, log)
	}

	content := c.analyze(ctx, msg.Caption, log)
	encoded, err := database.EncodeContent(content)
	if err != nil {
		return err
	}

	state := database.StateCompleted
	if content.Metadata.PartialSuccess {
		state = database.StatePartialSuccess
	}
	if err := c.store.MarkMessageParsed(ctx, msg.ID, state, encoded); err != nil {
		return err
	}

	log.InfoContext(ctx, "Caption processed",
		"state", state, "method", content.Metadata.Method,
		"confidence", content.Metadata.Confidence,
		"missing_fields", len(content.Metadata.MissingFields))

	if msg.MediaGroupID != "" && c.syncer != nil {
		result, err := c.syncer.Sync(ctx, msg.MediaGroupID, msg.ID, groupsync.Options{})
		if err != nil {
			// The message itself parsed fine; a sync failure is logged and
			// left to the recheck queue or the manual endpoint.
			log.WarnContext(ctx, "Group sync after parse failed",
				"media_group_id", msg.MediaGroupID, "error", err)
		} else if result.UpdatedCount > 0 {
			log.InfoContext(ctx, "Group synced after parse",
				"media_group_id", msg.MediaGroupID, "updated", result.UpdatedCount)
		}
	}
	return nil
}

// finishCaptionless completes a message that carries no caption. A media
// group member first tries to adopt a sibling's content; failing that, one
// durable re-check is queued and the member goes back to pending until the
// re-check resolves it. Only messages outside a group complete empty.
func (c *Coordinator) finishCaptionless(ctx context.Context, msg *database.Message, log *slog.Logger) error {
	if msg.MediaGroupID != "" && c.syncer != nil {
		adopted, err := c.syncer.AdoptContent(ctx, msg)
		if err != nil {
			return fmt.Errorf("group content adoption: %w", err)
		}
		if adopted {
			log.InfoContext(ctx, "Captionless member completed via group adoption",
				"media_group_id", msg.MediaGroupID)
			return nil
		}

		if err := c.store.ReleaseMessage(ctx, msg.ID); err != nil {
			return err
		}
		log.InfoContext(ctx, "No sync source in group yet, member left pending",
			"media_group_id", msg.MediaGroupID)
		return nil
	}

	if err := c.store.MarkMessageParsed(ctx, msg.ID, database.StateCompleted, ""); err != nil {
		return err
	}
	log.DebugContext(ctx, "Captionless message completed without content")
	return nil
}

// analyze runs the deterministic parser and escalates to the model when the
// manual read lands below the confidence threshold. The manual result always
// survives an escalation failure.
func (c *Coordinator) analyze(ctx context.Context, caption string, log *slog.Logger) *parser.ParsedContent {
	manual := parser.Parse(caption)
	if manual.Metadata.Confidence >= parser.ConfidenceThreshold || c.ai == nil {
		return &manual
	}

	log.DebugContext(ctx, "Manual parse below threshold, escalating",
		"confidence", manual.Metadata.Confidence)

	aiResult, err := c.ai.AnalyzeCaption(ctx, caption)
	if err != nil {
		log.WarnContext(ctx, "AI escalation failed, keeping manual result", "error", err)
		return &manual
	}
	if aiResult == nil {
		return &manual
	}
	if aiResult.Metadata.Confidence <= manual.Metadata.Confidence {
		log.DebugContext(ctx, "AI result not better than manual, keeping manual",
			"ai_confidence", aiResult.Metadata.Confidence)
		return &manual
	}
	return aiResult
}

// ProcessPending drains the pending backlog, oldest first. Used by the
// scheduled sweep to pick up rows requeued after a stall or an edit burst.
func (c *Coordinator) ProcessPending(ctx context.Context) (int, error) {
	msgs, err := c.store.GetPendingMessages(ctx, c.cfg.PendingBatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		correlationID := msg.CorrelationID
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		if err := c.Process(ctx, msg.ID, correlationID); err != nil {
			// Already recorded on the row; keep draining.
			continue
		}
		processed++
	}
	return processed, nil
}

// ReclaimStalled returns messages stuck in processing to the pending queue,
// within the per-message reset budget.
func (c *Coordinator) ReclaimStalled(ctx context.Context) (int64, int64, error) {
	return c.store.ResetStalledMessages(ctx, c.cfg.StalledAfter, c.cfg.MaxStalledResets)
}

// ErrNotFound is returned by operations addressed at a message that does not
// exist.
var ErrNotFound = errors.New("message not found")

// Lookup fetches a message by chat and platform id for the ops surface.
func (c *Coordinator) Lookup(ctx context.Context, chatID, platformMessageID int64) (*database.Message, error) {
	msg, err := c.store.GetMessageByChatAndID(ctx, chatID, platformMessageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}
