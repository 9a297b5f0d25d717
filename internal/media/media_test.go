package media_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/media"
	"github.com/stockpilehq/stockpile/internal/resilience"
	"github.com/stockpilehq/stockpile/internal/storage"
	"github.com/stockpilehq/stockpile/internal/telegram"
)

type fakeStore struct {
	messages map[uint]*database.Message
}

func newFakeStore(msgs ...*database.Message) *fakeStore {
	s := &fakeStore{messages: make(map[uint]*database.Message)}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

func (s *fakeStore) FindStoredByFileUniqueID(_ context.Context, fileUniqueID string) (*database.Message, error) {
	var best *database.Message
	for _, m := range s.messages {
		if m.FileUniqueID != fileUniqueID || m.StoragePath == "" {
			continue
		}
		if best == nil || m.ID < best.ID {
			best = m
		}
	}
	return best, nil
}

func (s *fakeStore) SiblingFileRefs(_ context.Context, groupID, fileUniqueID string, excludeID uint, now time.Time) ([]*database.Message, error) {
	var out []*database.Message
	for _, m := range s.messages {
		if m.MediaGroupID != groupID || m.FileUniqueID != fileUniqueID || m.ID == excludeID {
			continue
		}
		if m.FileID == "" {
			continue
		}
		if m.FileIDExpiresAt.Valid && !m.FileIDExpiresAt.Time.After(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) SetStoredObject(_ context.Context, id uint, storagePath, publicURL string) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	m.StoragePath = storagePath
	m.PublicURL = publicURL
	return nil
}

func (s *fakeStore) SetFileRef(_ context.Context, id uint, fileID string, expiresAt time.Time) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	m.FileID = fileID
	m.FileIDExpiresAt.Time = expiresAt
	m.FileIDExpiresAt.Valid = true
	return nil
}

func (s *fakeStore) FlagRedownload(_ context.Context, id uint, reason string) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	m.NeedsRedownload = true
	m.RedownloadReason = reason
	m.RedownloadFlaggedAt.Time = time.Now().UTC()
	m.RedownloadFlaggedAt.Valid = true
	return nil
}

func (s *fakeStore) ClearRedownload(_ context.Context, id uint) error {
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	m.NeedsRedownload = false
	m.RedownloadReason = ""
	m.RedownloadFlaggedAt.Valid = false
	return nil
}

func (s *fakeStore) IncrementRedownloadAttempts(_ context.Context, id uint) (int, error) {
	m, ok := s.messages[id]
	if !ok {
		return 0, fmt.Errorf("message %d not found", id)
	}
	m.RedownloadAttempts++
	return m.RedownloadAttempts, nil
}

func (s *fakeStore) GetStoredMessages(_ context.Context, _ int) ([]*database.Message, error) {
	var out []*database.Message
	for _, m := range s.messages {
		if m.FileUniqueID != "" && !m.DeletedFromTelegram {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRedownloadPending(_ context.Context, limit int) ([]*database.Message, error) {
	var out []*database.Message
	for _, m := range s.messages {
		if m.NeedsRedownload && m.FileUniqueID != "" && !m.DeletedFromTelegram {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeObjects struct {
	objects   map[string][]byte
	uploads   int
	downloads int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) Upload(_ context.Context, key string, data []byte, _ string, upsert bool) (string, error) {
	if _, ok := o.objects[key]; ok && !upsert {
		return "", storage.ErrObjectExists
	}
	o.objects[key] = data
	o.uploads++
	return o.PublicURL(key), nil
}

func (o *fakeObjects) Exists(_ context.Context, key string) (bool, error) {
	_, ok := o.objects[key]
	return ok, nil
}

func (o *fakeObjects) Download(_ context.Context, key string) ([]byte, string, error) {
	data, ok := o.objects[key]
	if !ok {
		return nil, "", &storage.StatusError{StatusCode: 404, Status: "404 Not Found", Op: "download", Key: key}
	}
	o.downloads++
	return data, "image/jpeg", nil
}

func (o *fakeObjects) PublicURL(key string) string {
	return "https://cdn.example.com/media/" + key
}

type fakeAPI struct {
	files       map[string][]byte
	expiredRefs map[string]bool
	getCalls    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		files:       make(map[string][]byte),
		expiredRefs: make(map[string]bool),
	}
}

func (a *fakeAPI) GetFileRef(_ context.Context, fileID string) (*telegram.FileRef, error) {
	a.getCalls++
	if a.expiredRefs[fileID] {
		return nil, fmt.Errorf("get file %s: %w", fileID, telegram.ErrFileRefExpired)
	}
	if _, ok := a.files[fileID]; !ok {
		return nil, errors.New("bad request: file not found")
	}
	return &telegram.FileRef{FileID: fileID, FilePath: "photos/" + fileID}, nil
}

func (a *fakeAPI) DownloadFile(_ context.Context, ref *telegram.FileRef) ([]byte, error) {
	data, ok := a.files[ref.FileID]
	if !ok {
		return nil, telegram.ErrFileRefExpired
	}
	return data, nil
}

func (a *fakeAPI) EditCaption(context.Context, int64, int, string) error { return nil }
func (a *fakeAPI) DeleteMessage(context.Context, int64, int) error       { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAcquirer(store media.Store, objects storage.ObjectStore, api telegram.BotAPI) *media.Acquirer {
	return media.NewAcquirer(store, objects, api, media.Config{
		FileRefTTL:     time.Hour,
		MaxRedownloads: 3,
		Retry: resilience.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			Multiplier:      2,
		},
	}, testLogger())
}

func mediaMessage(id uint, fileUniqueID, fileID string) *database.Message {
	return &database.Message{
		ID:                 id,
		FileUniqueID:       fileUniqueID,
		FileID:             fileID,
		MimeType:           "image/jpeg",
		OldAnalyzedContent: "[]",
	}
}

func TestAcquireStoresMedia(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "file-1")
	store := newFakeStore(msg)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.files["file-1"] = []byte("jpeg-bytes")

	if err := newAcquirer(store, objects, api).Acquire(context.Background(), msg); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	wantKey := storage.ObjectKey("uniq-1", "image/jpeg")
	if msg.StoragePath != wantKey {
		t.Errorf("StoragePath = %q, want %q", msg.StoragePath, wantKey)
	}
	if string(objects.objects[wantKey]) != "jpeg-bytes" {
		t.Errorf("stored object = %q, want downloaded bytes", objects.objects[wantKey])
	}
	if msg.PublicURL == "" {
		t.Error("PublicURL not recorded")
	}
	if !msg.FileIDExpiresAt.Valid {
		t.Error("refreshed file ref TTL not recorded")
	}
}

func TestAcquireReusesDuplicate(t *testing.T) {
	t.Parallel()

	wantKey := storage.ObjectKey("uniq-1", "image/jpeg")
	original := mediaMessage(1, "uniq-1", "file-1")
	original.StoragePath = wantKey
	original.PublicURL = "https://cdn.example.com/media/" + wantKey

	duplicate := mediaMessage(2, "uniq-1", "file-2")
	store := newFakeStore(original, duplicate)
	objects := newFakeObjects()
	objects.objects[wantKey] = []byte("jpeg-bytes")
	api := newFakeAPI()

	if err := newAcquirer(store, objects, api).Acquire(context.Background(), duplicate); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if api.getCalls != 0 {
		t.Errorf("platform API called %d times for a duplicate, want 0", api.getCalls)
	}
	if objects.uploads != 0 {
		t.Errorf("uploads = %d for a duplicate, want 0", objects.uploads)
	}
	if duplicate.StoragePath != original.StoragePath {
		t.Errorf("duplicate StoragePath = %q, want %q", duplicate.StoragePath, original.StoragePath)
	}
}

func TestAcquireRedownloadsWhenBucketDisagrees(t *testing.T) {
	t.Parallel()

	wantKey := storage.ObjectKey("uniq-1", "image/jpeg")
	msg := mediaMessage(1, "uniq-1", "file-1")
	msg.StoragePath = wantKey

	store := newFakeStore(msg)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.files["file-1"] = []byte("jpeg-bytes")

	if err := newAcquirer(store, objects, api).Acquire(context.Background(), msg); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if string(objects.objects[wantKey]) != "jpeg-bytes" {
		t.Error("object not re-downloaded when the bucket lacked it")
	}
}

func TestAcquireFallsBackToSiblingRef(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "expired-file")
	msg.MediaGroupID = "g1"
	sibling := mediaMessage(2, "uniq-1", "fresh-file")
	sibling.MediaGroupID = "g1"

	store := newFakeStore(msg, sibling)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.expiredRefs["expired-file"] = true
	api.files["fresh-file"] = []byte("jpeg-bytes")

	if err := newAcquirer(store, objects, api).Acquire(context.Background(), msg); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	wantKey := storage.ObjectKey("uniq-1", "image/jpeg")
	if string(objects.objects[wantKey]) != "jpeg-bytes" {
		t.Error("sibling fallback did not store the object")
	}
	if msg.NeedsRedownload {
		t.Error("message flagged for redownload despite successful fallback")
	}
}

func TestAcquireFlagsOnExhaustedRefs(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "expired-file")
	msg.MediaGroupID = "g1"
	store := newFakeStore(msg)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.expiredRefs["expired-file"] = true

	// Acquisition failure is absorbed; the caption workflow continues.
	if err := newAcquirer(store, objects, api).Acquire(context.Background(), msg); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	stored := store.messages[1]
	if !stored.NeedsRedownload {
		t.Fatal("message not flagged for redownload")
	}
	if stored.RedownloadReason != media.ReasonFileRefExpired {
		t.Errorf("reason = %q, want %q", stored.RedownloadReason, media.ReasonFileRefExpired)
	}
}

func TestValidateStoredFlagsMissingObjects(t *testing.T) {
	t.Parallel()

	healthy := mediaMessage(1, "uniq-1", "file-1")
	healthy.StoragePath = storage.ObjectKey("uniq-1", "image/jpeg")
	missing := mediaMessage(2, "uniq-2", "file-2")
	missing.StoragePath = storage.ObjectKey("uniq-2", "image/jpeg")

	store := newFakeStore(healthy, missing)
	objects := newFakeObjects()
	objects.objects[healthy.StoragePath] = []byte("jpeg-bytes")
	api := newFakeAPI()

	report, err := newAcquirer(store, objects, api).ValidateStored(context.Background(), 100)
	if err != nil {
		t.Fatalf("ValidateStored: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("Checked = %d, want 2", report.Checked)
	}
	if report.Flagged != 1 {
		t.Errorf("Flagged = %d, want 1", report.Flagged)
	}
	if store.messages[1].NeedsRedownload {
		t.Error("healthy message wrongly flagged")
	}
	if !store.messages[2].NeedsRedownload {
		t.Error("missing object not flagged")
	}
	if store.messages[2].RedownloadReason != media.ReasonObjectMissing {
		t.Errorf("reason = %q, want %q", store.messages[2].RedownloadReason, media.ReasonObjectMissing)
	}
}

func TestStandardizePaths(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "file-1")
	msg.StoragePath = "legacy/uniq-1.jpeg"

	store := newFakeStore(msg)
	objects := newFakeObjects()
	objects.objects["legacy/uniq-1.jpeg"] = []byte("jpeg-bytes")
	api := newFakeAPI()

	report, err := newAcquirer(store, objects, api).StandardizePaths(context.Background(), 100)
	if err != nil {
		t.Fatalf("StandardizePaths: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("Repaired = %d, want 1", report.Repaired)
	}

	wantKey := storage.ObjectKey("uniq-1", "image/jpeg")
	if store.messages[1].StoragePath != wantKey {
		t.Errorf("StoragePath = %q, want canonical %q", store.messages[1].StoragePath, wantKey)
	}
	if string(objects.objects[wantKey]) != "jpeg-bytes" {
		t.Error("object not copied to the canonical key")
	}
}

func TestRedownloadRespectsAttemptCap(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "expired-file")
	msg.NeedsRedownload = true
	msg.RedownloadAttempts = 3

	store := newFakeStore(msg)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.expiredRefs["expired-file"] = true

	report, err := newAcquirer(store, objects, api).Redownload(context.Background(), 100)
	if err != nil {
		t.Fatalf("Redownload: %v", err)
	}
	if report.Reacquired != 0 {
		t.Errorf("Reacquired = %d, want 0", report.Reacquired)
	}
	if api.getCalls != 0 {
		t.Errorf("platform API called %d times past the attempt cap, want 0", api.getCalls)
	}
}

func TestRedownloadReachesFlaggedRowsPastUnflaggedOnes(t *testing.T) {
	t.Parallel()

	healthy := mediaMessage(1, "uniq-1", "file-1")
	healthy.StoragePath = storage.ObjectKey("uniq-1", "image/jpeg")
	flagged := mediaMessage(2, "uniq-2", "file-2")
	flagged.NeedsRedownload = true
	flagged.RedownloadReason = media.ReasonObjectMissing

	store := newFakeStore(healthy, flagged)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.files["file-2"] = []byte("jpeg-bytes")

	// A limit of 1 must still reach the flagged row, not spend the
	// window on lower-id rows that need nothing.
	report, err := newAcquirer(store, objects, api).Redownload(context.Background(), 1)
	if err != nil {
		t.Fatalf("Redownload: %v", err)
	}
	if report.Checked != 1 {
		t.Errorf("Checked = %d, want 1 flagged row", report.Checked)
	}
	if report.Reacquired != 1 {
		t.Errorf("Reacquired = %d, want 1", report.Reacquired)
	}
	if store.messages[2].NeedsRedownload {
		t.Error("flagged row beyond the window was not recovered")
	}
}

func TestRedownloadRecovers(t *testing.T) {
	t.Parallel()

	msg := mediaMessage(1, "uniq-1", "file-1")
	msg.NeedsRedownload = true
	msg.RedownloadReason = media.ReasonObjectMissing

	store := newFakeStore(msg)
	objects := newFakeObjects()
	api := newFakeAPI()
	api.files["file-1"] = []byte("jpeg-bytes")

	report, err := newAcquirer(store, objects, api).Redownload(context.Background(), 100)
	if err != nil {
		t.Fatalf("Redownload: %v", err)
	}
	if report.Reacquired != 1 {
		t.Errorf("Reacquired = %d, want 1", report.Reacquired)
	}
	if store.messages[1].NeedsRedownload {
		t.Error("redownload flag not cleared after recovery")
	}
}
