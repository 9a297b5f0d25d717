// Package handlers implements Telegram update handlers for the stockpile
// ingestion bot: the default handler that feeds every message into the
// ingestion pipeline, plus a small set of commands.
package handlers

import (
	"log/slog"

	"github.com/stockpilehq/stockpile/internal/config"
	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/ingest"
)

// HandlerDeps provides dependencies for Telegram update handlers.
type HandlerDeps struct {
	Logger      *slog.Logger
	Config      *config.Config
	Store       database.Store
	Coordinator *ingest.Coordinator
}
