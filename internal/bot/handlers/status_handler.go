package handlers

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewStatusHandler returns a handler for the /status command. Replying to a
// message with /status reports the stored processing state of that message.
func NewStatusHandler(deps HandlerDeps) bot.HandlerFunc {
	return statusHandler{deps}.Handle
}

type statusHandler struct {
	deps HandlerDeps
}

func (h statusHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "status")

	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	if update.Message.ReplyToMessage == nil {
		h.reply(ctx, b, chatID, "Reply to a message with /status to see its processing state.")
		return
	}

	targetID := int64(update.Message.ReplyToMessage.ID)
	msg, err := h.deps.Store.GetMessageByChatAndID(ctx, chatID, targetID)
	if err != nil {
		log.ErrorContext(ctx, "Status lookup failed", "chat_id", chatID, "platform_message_id", targetID, "error", err)
		h.reply(ctx, b, chatID, "Lookup failed, try again later.")
		return
	}
	if msg == nil {
		h.reply(ctx, b, chatID, "That message is not tracked.")
		return
	}

	text := fmt.Sprintf("State: %s", msg.ProcessingState)
	if msg.AnalyzedContent != "" {
		text += "\nCaption analyzed."
	}
	if msg.MediaGroupID != "" {
		text += fmt.Sprintf("\nMedia group: %s (synced: %t)", msg.MediaGroupID, msg.GroupCaptionSynced)
	}
	if msg.NeedsRedownload {
		text += fmt.Sprintf("\nMedia flagged for redownload: %s", msg.RedownloadReason)
	}
	if msg.ErrorMessage != "" {
		text += fmt.Sprintf("\nLast error: %s", msg.ErrorMessage)
	}
	h.reply(ctx, b, chatID, text)
}

func (h statusHandler) reply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		h.deps.Logger.ErrorContext(ctx, "Failed to send status reply", "chat_id", chatID, "error", err)
	}
}
