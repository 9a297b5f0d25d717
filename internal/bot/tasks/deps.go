// Package tasks implements the scheduled background sweeps: pending message
// pickup, stalled reclamation, storage validation with redownload recovery,
// and deferred media group re-checks.
package tasks

import (
	"log/slog"

	"github.com/stockpilehq/stockpile/internal/config"
	"github.com/stockpilehq/stockpile/internal/groupsync"
	"github.com/stockpilehq/stockpile/internal/ingest"
	"github.com/stockpilehq/stockpile/internal/media"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger      *slog.Logger
	Coordinator *ingest.Coordinator
	Acquirer    *media.Acquirer
	Syncer      *groupsync.Syncer
	Config      *config.Config
}
