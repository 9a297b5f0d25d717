package handlers

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/stockpilehq/stockpile/internal/database"
)

// NewIngestHandler returns the default update handler. Every message and
// channel post flows through it into the ingestion pipeline; edits requeue
// the stored row.
func NewIngestHandler(deps HandlerDeps) bot.HandlerFunc {
	return ingestHandler{deps}.Handle
}

type ingestHandler struct {
	deps HandlerDeps
}

func (h ingestHandler) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "ingest")

	switch {
	case update.Message != nil:
		h.handleNew(ctx, log, update.Message)
	case update.ChannelPost != nil:
		h.handleNew(ctx, log, update.ChannelPost)
	case update.EditedMessage != nil:
		h.handleEdit(ctx, log, update.EditedMessage)
	case update.EditedChannelPost != nil:
		h.handleEdit(ctx, log, update.EditedChannelPost)
	default:
		log.DebugContext(ctx, "Ignoring update without message payload", "update_id", update.ID)
	}
}

func (h ingestHandler) handleNew(ctx context.Context, log *slog.Logger, tgMsg *models.Message) {
	msg := messageFromUpdate(tgMsg)
	if err := h.deps.Coordinator.HandleNewMessage(ctx, msg); err != nil {
		log.ErrorContext(ctx, "Failed to ingest message",
			"chat_id", tgMsg.Chat.ID, "platform_message_id", tgMsg.ID, "error", err)
		return
	}
	log.InfoContext(ctx, "Message ingested",
		"chat_id", tgMsg.Chat.ID, "platform_message_id", tgMsg.ID,
		"media_group_id", msg.MediaGroupID, "has_media", msg.FileUniqueID != "")
}

func (h ingestHandler) handleEdit(ctx context.Context, log *slog.Logger, tgMsg *models.Message) {
	caption := captionOf(tgMsg)
	if err := h.deps.Coordinator.HandleEditedMessage(ctx, tgMsg.Chat.ID, int64(tgMsg.ID), caption); err != nil {
		log.ErrorContext(ctx, "Failed to process edited message",
			"chat_id", tgMsg.Chat.ID, "platform_message_id", tgMsg.ID, "error", err)
		return
	}
	log.InfoContext(ctx, "Edit processed",
		"chat_id", tgMsg.Chat.ID, "platform_message_id", tgMsg.ID)
}

// messageFromUpdate maps a platform message onto the stored row shape. Only
// the single most useful media attachment is kept: the largest photo size,
// or the video/document/animation/audio file.
func messageFromUpdate(tgMsg *models.Message) *database.Message {
	msg := &database.Message{
		PlatformMessageID: int64(tgMsg.ID),
		ChatID:            tgMsg.Chat.ID,
		MediaGroupID:      tgMsg.MediaGroupID,
		Caption:           captionOf(tgMsg),
	}
	msg.IsOriginalCaption = msg.MediaGroupID != "" && msg.Caption != ""

	msg.FileID, msg.FileUniqueID, msg.MimeType = mediaOf(tgMsg)
	return msg
}

func captionOf(tgMsg *models.Message) string {
	if tgMsg.Caption != "" {
		return tgMsg.Caption
	}
	return tgMsg.Text
}

func mediaOf(tgMsg *models.Message) (fileID, fileUniqueID, mimeType string) {
	switch {
	case len(tgMsg.Photo) > 0:
		best := tgMsg.Photo[0]
		for _, size := range tgMsg.Photo[1:] {
			if size.Width*size.Height > best.Width*best.Height {
				best = size
			}
		}
		return best.FileID, best.FileUniqueID, "image/jpeg"
	case tgMsg.Video != nil:
		return tgMsg.Video.FileID, tgMsg.Video.FileUniqueID, tgMsg.Video.MimeType
	case tgMsg.Animation != nil:
		return tgMsg.Animation.FileID, tgMsg.Animation.FileUniqueID, tgMsg.Animation.MimeType
	case tgMsg.Document != nil:
		return tgMsg.Document.FileID, tgMsg.Document.FileUniqueID, tgMsg.Document.MimeType
	case tgMsg.Audio != nil:
		return tgMsg.Audio.FileID, tgMsg.Audio.FileUniqueID, tgMsg.Audio.MimeType
	case tgMsg.Voice != nil:
		return tgMsg.Voice.FileID, tgMsg.Voice.FileUniqueID, tgMsg.Voice.MimeType
	default:
		return "", "", ""
	}
}
