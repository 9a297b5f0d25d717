// Package groupsync propagates parsed caption content across the messages of
// a media group. Albums arrive as separate messages with only one carrying
// the caption; the group is only consistent once every sibling shares that
// caption's analyzed content.
package groupsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockpilehq/stockpile/internal/database"
)

// ErrNoSource means no message of the group holds analyzed caption content
// yet. The caption-bearing message may simply not have arrived.
var ErrNoSource = errors.New("media group has no caption source")

// ArchiveReasonSync is recorded on history entries written by a group sync.
const ArchiveReasonSync = "group_sync"

// Store is the slice of the persistence layer the syncer needs.
type Store interface {
	GetMediaGroupMessages(ctx context.Context, groupID string) ([]*database.Message, error)
	ApplySyncedContent(ctx context.Context, targetID, sourceID uint, content, history string) error
	MarkSyncSource(ctx context.Context, id uint) error
	EnqueueGroupRecheck(ctx context.Context, groupID string, runAfter time.Time) error
	DueGroupRechecks(ctx context.Context, now time.Time, limit int) ([]database.GroupSyncTask, error)
	CompleteGroupRecheck(ctx context.Context, groupID string) error
	DeferGroupRecheck(ctx context.Context, groupID string, nextRun time.Time) error
}

// Options control one sync pass.
type Options struct {
	// ForceSync overwrites siblings even when they are already marked synced.
	ForceSync bool
	// SyncEditHistory copies the source's content history onto siblings
	// instead of appending to each sibling's own.
	SyncEditHistory bool
}

// MessageResult is the per-sibling outcome of a sync pass. One failing
// sibling never aborts the rest.
type MessageResult struct {
	MessageID uint   `json:"message_id"`
	Synced    bool   `json:"synced"`
	Skipped   string `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result summarizes a sync pass over one media group.
type Result struct {
	MediaGroupID string          `json:"media_group_id"`
	SourceID     uint            `json:"source_id"`
	UpdatedCount int             `json:"updated_count"`
	Results      []MessageResult `json:"results"`
}

// Config tunes the deferred re-check behavior.
type Config struct {
	RecheckDelay time.Duration
	MaxAttempts  int
}

// Syncer performs caption propagation across media groups.
type Syncer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewSyncer creates a group syncer.
func NewSyncer(store Store, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "group_syncer"),
	}
}

// Sync copies the source's analyzed content onto every other member of the
// group. sourceID zero elects the source automatically. Siblings already
// carrying identical content are left untouched so history never records
// no-op snapshots.
func (s *Syncer) Sync(ctx context.Context, groupID string, sourceID uint, opts Options) (*Result, error) {
	if groupID == "" {
		return nil, fmt.Errorf("media_group_id cannot be empty")
	}

	msgs, err := s.store.GetMediaGroupMessages(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load media group %s: %w", groupID, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("media group %s has no messages", groupID)
	}

	source := electSource(msgs, sourceID)
	if source == nil {
		return nil, fmt.Errorf("media group %s: %w", groupID, ErrNoSource)
	}

	result := &Result{MediaGroupID: groupID, SourceID: source.ID}
	now := time.Now().UTC()

	for _, target := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if target.ID == source.ID {
			continue
		}

		mr := MessageResult{MessageID: target.ID}
		switch {
		case !opts.ForceSync && target.GroupCaptionSynced && target.AnalyzedContent == source.AnalyzedContent:
			mr.Skipped = "already synced"
		case target.AnalyzedContent == source.AnalyzedContent:
			// Content already matches; only the flags need stamping.
			if err := s.store.ApplySyncedContent(ctx, target.ID, source.ID, source.AnalyzedContent, target.OldAnalyzedContent); err != nil {
				mr.Error = err.Error()
			} else {
				mr.Synced = true
				result.UpdatedCount++
			}
		default:
			history := target.OldAnalyzedContent
			if opts.SyncEditHistory {
				history = source.OldAnalyzedContent
			} else if target.AnalyzedContent != "" {
				history, err = database.AppendArchive(history, target.AnalyzedContent, ArchiveReasonSync, now)
				if err != nil {
					mr.Error = err.Error()
					result.Results = append(result.Results, mr)
					continue
				}
			}
			if err := s.store.ApplySyncedContent(ctx, target.ID, source.ID, source.AnalyzedContent, history); err != nil {
				mr.Error = err.Error()
			} else {
				mr.Synced = true
				result.UpdatedCount++
			}
		}
		result.Results = append(result.Results, mr)
	}

	if err := s.store.MarkSyncSource(ctx, source.ID); err != nil {
		return result, fmt.Errorf("failed to mark sync source %d: %w", source.ID, err)
	}

	s.logger.InfoContext(ctx, "Media group synced",
		"media_group_id", groupID, "source_id", source.ID,
		"updated", result.UpdatedCount, "members", len(msgs))
	return result, nil
}

// electSource picks the message whose content the group adopts. An explicit
// id wins; otherwise the previously marked original, otherwise the earliest
// member with analyzed caption content.
func electSource(msgs []*database.Message, explicitID uint) *database.Message {
	if explicitID != 0 {
		for _, m := range msgs {
			if m.ID == explicitID && m.AnalyzedContent != "" {
				return m
			}
		}
		return nil
	}

	for _, m := range msgs {
		if m.IsOriginalCaption && m.AnalyzedContent != "" {
			return m
		}
	}
	for _, m := range msgs {
		if m.HasCaption() && m.AnalyzedContent != "" {
			return m
		}
	}
	return nil
}

// AdoptContent resolves a captionless group member at processing time. When a
// captioned sibling already finished parsing, its content is adopted and the
// member completes immediately. Otherwise one durable re-check is queued and
// the member stays where it is until the queue fires.
func (s *Syncer) AdoptContent(ctx context.Context, msg *database.Message) (bool, error) {
	if msg == nil || msg.MediaGroupID == "" || msg.HasCaption() {
		return false, nil
	}

	msgs, err := s.store.GetMediaGroupMessages(ctx, msg.MediaGroupID)
	if err != nil {
		return false, fmt.Errorf("failed to load media group %s: %w", msg.MediaGroupID, err)
	}

	source := electSource(msgs, 0)
	if source == nil || source.ID == msg.ID {
		runAfter := time.Now().UTC().Add(s.cfg.RecheckDelay)
		if err := s.store.EnqueueGroupRecheck(ctx, msg.MediaGroupID, runAfter); err != nil {
			return false, fmt.Errorf("failed to enqueue recheck for group %s: %w", msg.MediaGroupID, err)
		}
		s.logger.DebugContext(ctx, "No caption source yet, recheck queued",
			"media_group_id", msg.MediaGroupID, "message_id", msg.ID, "run_after", runAfter)
		return false, nil
	}

	history := msg.OldAnalyzedContent
	if msg.AnalyzedContent != "" && msg.AnalyzedContent != source.AnalyzedContent {
		history, err = database.AppendArchive(history, msg.AnalyzedContent, ArchiveReasonSync, time.Now().UTC())
		if err != nil {
			return false, err
		}
	}
	if err := s.store.ApplySyncedContent(ctx, msg.ID, source.ID, source.AnalyzedContent, history); err != nil {
		return false, fmt.Errorf("failed to adopt content for message %d: %w", msg.ID, err)
	}

	s.logger.InfoContext(ctx, "Captionless member adopted group content",
		"media_group_id", msg.MediaGroupID, "message_id", msg.ID, "source_id", source.ID)
	return true, nil
}

// RecheckReport summarizes one pass over the deferred re-check queue.
type RecheckReport struct {
	Due       int `json:"due"`
	Synced    int `json:"synced"`
	Deferred  int `json:"deferred"`
	Abandoned int `json:"abandoned"`
	Errors    int `json:"errors"`
}

// ProcessDueRechecks drains the durable re-check queue. Groups still missing
// a caption source are pushed forward until the attempt budget runs out, at
// which point the entry is dropped; the group stays reachable through the
// manual sync endpoint.
func (s *Syncer) ProcessDueRechecks(ctx context.Context, limit int) (RecheckReport, error) {
	var report RecheckReport

	tasks, err := s.store.DueGroupRechecks(ctx, time.Now().UTC(), limit)
	if err != nil {
		return report, fmt.Errorf("failed to load due rechecks: %w", err)
	}
	report.Due = len(tasks)

	for _, task := range tasks {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		_, err := s.Sync(ctx, task.MediaGroupID, 0, Options{})
		switch {
		case err == nil:
			if err := s.store.CompleteGroupRecheck(ctx, task.MediaGroupID); err != nil {
				report.Errors++
				s.logger.ErrorContext(ctx, "Failed to complete recheck",
					"media_group_id", task.MediaGroupID, "error", err)
				continue
			}
			report.Synced++
		case errors.Is(err, ErrNoSource):
			if task.Attempts+1 >= s.cfg.MaxAttempts {
				if err := s.store.CompleteGroupRecheck(ctx, task.MediaGroupID); err != nil {
					report.Errors++
					continue
				}
				report.Abandoned++
				s.logger.WarnContext(ctx, "Recheck budget exhausted, giving up on group",
					"media_group_id", task.MediaGroupID, "attempts", task.Attempts+1)
				continue
			}
			nextRun := time.Now().UTC().Add(s.cfg.RecheckDelay)
			if err := s.store.DeferGroupRecheck(ctx, task.MediaGroupID, nextRun); err != nil {
				report.Errors++
				continue
			}
			report.Deferred++
		default:
			report.Errors++
			s.logger.ErrorContext(ctx, "Recheck sync failed",
				"media_group_id", task.MediaGroupID, "error", err)
		}
	}

	if report.Due > 0 {
		s.logger.InfoContext(ctx, "Group recheck pass finished",
			"due", report.Due, "synced", report.Synced,
			"deferred", report.Deferred, "abandoned", report.Abandoned, "errors", report.Errors)
	}
	return report, nil
}
