package groupsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/groupsync"
)

type fakeStore struct {
	messages map[uint]*database.Message
	queue    map[string]*database.GroupSyncTask

	failApplyFor map[uint]error
}

func newFakeStore(msgs ...*database.Message) *fakeStore {
	s := &fakeStore{
		messages:     make(map[uint]*database.Message),
		queue:        make(map[string]*database.GroupSyncTask),
		failApplyFor: make(map[uint]error),
	}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

func (s *fakeStore) GetMediaGroupMessages(_ context.Context, groupID string) ([]*database.Message, error) {
	var out []*database.Message
	for _, m := range s.messages {
		if m.MediaGroupID == groupID && !m.DeletedFromTelegram {
			out = append(out, m)
		}
	}
	// Keep the creation order deterministic for source election.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID < out[i].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ApplySyncedContent(_ context.Context, targetID, sourceID uint, content, history string) error {
	if err := s.failApplyFor[targetID]; err != nil {
		return err
	}
	m, ok := s.messages[targetID]
	if !ok {
		return fmt.Errorf("message %d not found", targetID)
	}
	m.AnalyzedContent = content
	m.OldAnalyzedContent = history
	m.MessageCaptionID.Int64 = int64(sourceID)
	m.MessageCaptionID.Valid = true
	m.IsOriginalCaption = false
	m.GroupCaptionSynced = true
	m.ProcessingState = database.StateCompleted
	return nil
}

func (s *fakeStore) MarkSyncSource(_ context.Context, id uint) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	m.IsOriginalCaption = true
	m.GroupCaptionSynced = true
	return nil
}

func (s *fakeStore) EnqueueGroupRecheck(_ context.Context, groupID string, runAfter time.Time) error {
	if _, ok := s.queue[groupID]; ok {
		return nil
	}
	s.queue[groupID] = &database.GroupSyncTask{
		MediaGroupID: groupID,
		EnqueuedAt:   time.Now().UTC(),
		RunAfter:     runAfter,
	}
	return nil
}

func (s *fakeStore) DueGroupRechecks(_ context.Context, now time.Time, _ int) ([]database.GroupSyncTask, error) {
	var out []database.GroupSyncTask
	for _, t := range s.queue {
		if !t.RunAfter.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) CompleteGroupRecheck(_ context.Context, groupID string) error {
	delete(s.queue, groupID)
	return nil
}

func (s *fakeStore) DeferGroupRecheck(_ context.Context, groupID string, nextRun time.Time) error {
	t, ok := s.queue[groupID]
	if !ok {
		return fmt.Errorf("group %s not queued", groupID)
	}
	t.RunAfter = nextRun
	t.Attempts++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSyncer(store *fakeStore) *groupsync.Syncer {
	return groupsync.NewSyncer(store, groupsync.Config{
		RecheckDelay: 30 * time.Second,
		MaxAttempts:  3,
	}, testLogger())
}

func groupMessage(id uint, groupID, caption, content string) *database.Message {
	return &database.Message{
		ID:                 id,
		MediaGroupID:       groupID,
		Caption:            caption,
		AnalyzedContent:    content,
		OldAnalyzedContent: "[]",
		ProcessingState:    database.StateCompleted,
	}
}

func TestSyncPropagatesContent(t *testing.T) {
	t.Parallel()

	const content = `{"product_name":"Widget","product_code":"AB12521"}`
	store := newFakeStore(
		groupMessage(1, "g1", "Widget #AB12521x3", content),
		groupMessage(2, "g1", "", ""),
		groupMessage(3, "g1", "", ""),
	)

	result, err := newSyncer(store).Sync(context.Background(), "g1", 0, groupsync.Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.SourceID != 1 {
		t.Errorf("SourceID = %d, want 1", result.SourceID)
	}
	if result.UpdatedCount != 2 {
		t.Errorf("UpdatedCount = %d, want 2", result.UpdatedCount)
	}

	for _, id := range []uint{2, 3} {
		m := store.messages[id]
		if m.AnalyzedContent != content {
			t.Errorf("message %d content = %q, want synced content", id, m.AnalyzedContent)
		}
		if !m.GroupCaptionSynced {
			t.Errorf("message %d not marked synced", id)
		}
		if m.IsOriginalCaption {
			t.Errorf("message %d wrongly marked original", id)
		}
		if !m.MessageCaptionID.Valid || m.MessageCaptionID.Int64 != 1 {
			t.Errorf("message %d caption source = %+v, want 1", id, m.MessageCaptionID)
		}
		if m.ProcessingState != database.StateCompleted {
			t.Errorf("message %d state = %q, want completed", id, m.ProcessingState)
		}
	}
	if !store.messages[1].IsOriginalCaption {
		t.Error("source not marked as original caption")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	const content = `{"product_name":"Widget"}`
	store := newFakeStore(
		groupMessage(1, "g1", "Widget #AB12521", content),
		groupMessage(2, "g1", "", ""),
	)
	syncer := newSyncer(store)

	if _, err := syncer.Sync(context.Background(), "g1", 0, groupsync.Options{}); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	historyAfterFirst := store.messages[2].OldAnalyzedContent

	result, err := syncer.Sync(context.Background(), "g1", 0, groupsync.Options{})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.UpdatedCount != 0 {
		t.Errorf("second Sync UpdatedCount = %d, want 0", result.UpdatedCount)
	}
	if store.messages[2].OldAnalyzedContent != historyAfterFirst {
		t.Error("second Sync grew the content history on identical content")
	}
}

func TestSyncArchivesReplacedContent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(
		groupMessage(1, "g1", "Widget #AB12521", `{"product_name":"Widget"}`),
		groupMessage(2, "g1", "", `{"product_name":"Stale"}`),
	)

	if _, err := newSyncer(store).Sync(context.Background(), "g1", 0, groupsync.Options{ForceSync: true}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var entries []database.ArchiveEntry
	if err := json.Unmarshal([]byte(store.messages[2].OldAnalyzedContent), &entries); err != nil {
		t.Fatalf("history is not a valid archive list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Reason != groupsync.ArchiveReasonSync {
		t.Errorf("archive reason = %q, want %q", entries[0].Reason, groupsync.ArchiveReasonSync)
	}
	if string(entries[0].Content) != `{"product_name":"Stale"}` {
		t.Errorf("archived content = %s, want the replaced content", entries[0].Content)
	}
}

func TestSyncCollectsPerSiblingFailures(t *testing.T) {
	t.Parallel()

	const content = `{"product_name":"Widget"}`
	store := newFakeStore(
		groupMessage(1, "g1", "Widget #AB12521", content),
		groupMessage(2, "g1", "", ""),
		groupMessage(3, "g1", "", ""),
	)
	store.failApplyFor[2] = errors.New("disk full")

	result, err := newSyncer(store).Sync(context.Background(), "g1", 0, groupsync.Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.UpdatedCount != 1 {
		t.Errorf("UpdatedCount = %d, want 1", result.UpdatedCount)
	}

	var failed, synced bool
	for _, r := range result.Results {
		switch r.MessageID {
		case 2:
			failed = r.Error != ""
		case 3:
			synced = r.Synced
		}
	}
	if !failed {
		t.Error("failing sibling did not report an error")
	}
	if !synced {
		t.Error("healthy sibling was not synced despite the other failing")
	}
}

func TestSyncNoSource(t *testing.T) {
	t.Parallel()

	store := newFakeStore(
		groupMessage(1, "g1", "", ""),
		groupMessage(2, "g1", "", ""),
	)

	_, err := newSyncer(store).Sync(context.Background(), "g1", 0, groupsync.Options{})
	if !errors.Is(err, groupsync.ErrNoSource) {
		t.Errorf("Sync error = %v, want ErrNoSource", err)
	}
}

func TestAdoptContent(t *testing.T) {
	t.Parallel()

	t.Run("adopts from completed sibling", func(t *testing.T) {
		t.Parallel()

		const content = `{"product_name":"Widget"}`
		captionless := groupMessage(2, "g1", "", "")
		store := newFakeStore(
			groupMessage(1, "g1", "Widget #AB12521", content),
			captionless,
		)

		adopted, err := newSyncer(store).AdoptContent(context.Background(), captionless)
		if err != nil {
			t.Fatalf("AdoptContent: %v", err)
		}
		if !adopted {
			t.Fatal("AdoptContent = false, want true")
		}
		if store.messages[2].AnalyzedContent != content {
			t.Errorf("content = %q, want adopted content", store.messages[2].AnalyzedContent)
		}
		if len(store.queue) != 0 {
			t.Error("recheck queued despite successful adoption")
		}
	})

	t.Run("queues durable recheck when caption is missing", func(t *testing.T) {
		t.Parallel()

		captionless := groupMessage(2, "g2", "", "")
		store := newFakeStore(
			groupMessage(1, "g2", "", ""),
			captionless,
		)

		adopted, err := newSyncer(store).AdoptContent(context.Background(), captionless)
		if err != nil {
			t.Fatalf("AdoptContent: %v", err)
		}
		if adopted {
			t.Fatal("AdoptContent = true without a caption source")
		}
		if _, ok := store.queue["g2"]; !ok {
			t.Fatal("no recheck queued for the group")
		}

		// Re-running must not duplicate or reset the queue entry.
		before := *store.queue["g2"]
		if _, err := newSyncer(store).AdoptContent(context.Background(), captionless); err != nil {
			t.Fatalf("second AdoptContent: %v", err)
		}
		if got := *store.queue["g2"]; got != before {
			t.Errorf("queue entry changed on re-enqueue: %+v -> %+v", before, got)
		}
	})
}

func TestProcessDueRechecks(t *testing.T) {
	t.Parallel()

	t.Run("syncs once the caption arrives", func(t *testing.T) {
		t.Parallel()

		const content = `{"product_name":"Widget"}`
		store := newFakeStore(
			groupMessage(1, "g1", "Widget #AB12521", content),
			groupMessage(2, "g1", "", ""),
		)
		store.queue["g1"] = &database.GroupSyncTask{
			MediaGroupID: "g1",
			RunAfter:     time.Now().UTC().Add(-time.Minute),
		}

		report, err := newSyncer(store).ProcessDueRechecks(context.Background(), 10)
		if err != nil {
			t.Fatalf("ProcessDueRechecks: %v", err)
		}
		if report.Synced != 1 {
			t.Errorf("Synced = %d, want 1", report.Synced)
		}
		if _, ok := store.queue["g1"]; ok {
			t.Error("completed recheck still queued")
		}
		if store.messages[2].AnalyzedContent != content {
			t.Error("recheck did not propagate content")
		}
	})

	t.Run("defers then abandons a sourceless group", func(t *testing.T) {
		t.Parallel()

		store := newFakeStore(groupMessage(1, "g1", "", ""))
		store.queue["g1"] = &database.GroupSyncTask{
			MediaGroupID: "g1",
			RunAfter:     time.Now().UTC().Add(-time.Minute),
		}
		syncer := newSyncer(store)

		report, err := syncer.ProcessDueRechecks(context.Background(), 10)
		if err != nil {
			t.Fatalf("ProcessDueRechecks: %v", err)
		}
		if report.Deferred != 1 {
			t.Fatalf("Deferred = %d, want 1", report.Deferred)
		}

		// Burn through the remaining attempts.
		store.queue["g1"].Attempts = 2
		store.queue["g1"].RunAfter = time.Now().UTC().Add(-time.Minute)

		report, err = syncer.ProcessDueRechecks(context.Background(), 10)
		if err != nil {
			t.Fatalf("ProcessDueRechecks: %v", err)
		}
		if report.Abandoned != 1 {
			t.Errorf("Abandoned = %d, want 1", report.Abandoned)
		}
		if _, ok := store.queue["g1"]; ok {
			t.Error("abandoned recheck still queued")
		}
	})
}
