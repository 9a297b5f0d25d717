package handlers

import (
	"testing"

	"github.com/go-telegram/bot/models"
)

func TestMessageFromUpdatePhoto(t *testing.T) {
	t.Parallel()

	tgMsg := &models.Message{
		ID:           42,
		Chat:         models.Chat{ID: 100},
		MediaGroupID: "g1",
		Caption:      "Widget #AB12521",
		Photo: []models.PhotoSize{
			{FileID: "small", FileUniqueID: "u1", Width: 90, Height: 90},
			{FileID: "large", FileUniqueID: "u1", Width: 1280, Height: 960},
			{FileID: "medium", FileUniqueID: "u1", Width: 320, Height: 240},
		},
	}

	msg := messageFromUpdate(tgMsg)

	if msg.PlatformMessageID != 42 || msg.ChatID != 100 {
		t.Errorf("ids = (%d, %d), want (42, 100)", msg.PlatformMessageID, msg.ChatID)
	}
	if msg.FileID != "large" {
		t.Errorf("FileID = %q, want largest photo size", msg.FileID)
	}
	if msg.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q, want image/jpeg", msg.MimeType)
	}
	if !msg.IsOriginalCaption {
		t.Errorf("IsOriginalCaption = false for captioned group member")
	}
}

func TestMessageFromUpdateVideo(t *testing.T) {
	t.Parallel()

	tgMsg := &models.Message{
		ID:   7,
		Chat: models.Chat{ID: 100},
		Video: &models.Video{
			FileID:       "vid",
			FileUniqueID: "uv",
			MimeType:     "video/mp4",
		},
	}

	msg := messageFromUpdate(tgMsg)

	if msg.FileID != "vid" || msg.FileUniqueID != "uv" || msg.MimeType != "video/mp4" {
		t.Errorf("video mapping = (%q, %q, %q)", msg.FileID, msg.FileUniqueID, msg.MimeType)
	}
	if msg.IsOriginalCaption {
		t.Errorf("IsOriginalCaption = true for non-group message")
	}
}

func TestMessageFromUpdateTextOnly(t *testing.T) {
	t.Parallel()

	tgMsg := &models.Message{
		ID:   8,
		Chat: models.Chat{ID: 100},
		Text: "Widget #AB12521",
	}

	msg := messageFromUpdate(tgMsg)

	if msg.Caption != "Widget #AB12521" {
		t.Errorf("Caption = %q, want text fallback", msg.Caption)
	}
	if msg.FileUniqueID != "" {
		t.Errorf("FileUniqueID = %q, want empty for text message", msg.FileUniqueID)
	}
}

func TestCaptionPrefersCaptionOverText(t *testing.T) {
	t.Parallel()

	tgMsg := &models.Message{Caption: "cap", Text: "txt"}
	if got := captionOf(tgMsg); got != "cap" {
		t.Errorf("captionOf = %q, want cap", got)
	}
}
