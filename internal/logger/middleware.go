package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Middleware returns a bot middleware that logs every incoming update with
// its type, chat, and handling duration.
func Middleware(log *slog.Logger) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			startTime := time.Now()

			logEntry := log.With("update_id", update.ID)

			var updateType string
			var chatID int64
			var messageID int

			switch {
			case update.Message != nil:
				updateType = "message"
				chatID = update.Message.Chat.ID
				messageID = update.Message.ID
			case update.EditedMessage != nil:
				updateType = "edited_message"
				chatID = update.EditedMessage.Chat.ID
				messageID = update.EditedMessage.ID
			case update.ChannelPost != nil:
				updateType = "channel_post"
				chatID = update.ChannelPost.Chat.ID
				messageID = update.ChannelPost.ID
			case update.EditedChannelPost != nil:
				updateType = "edited_channel_post"
				chatID = update.EditedChannelPost.Chat.ID
				messageID = update.EditedChannelPost.ID
			default:
				updateType = "other"
			}

			logEntry = logEntry.With("update_type", updateType, "chat_id", chatID, "message_id", messageID)
			logEntry.DebugContext(ctx, "Processing update")

			next(ctx, b, update)

			logEntry.DebugContext(ctx, "Finished processing update", "duration", time.Since(startTime))
		}
	}
}
