package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stockpilehq/stockpile/internal/resilience"
	"github.com/stockpilehq/stockpile/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		fileUniqueID string
		mimeType     string
		want         string
	}{
		{"jpeg photo", "AgADcQkAArZu-FI", "image/jpeg", "AgADcQkAArZu-FI.jpg"},
		{"mp4 video", "BQACAgQAAx0", "video/mp4", "BQACAgQAAx0.mp4"},
		{"unknown mime falls back", "AgADcQkAArZu-FI", "application/x-thing", "AgADcQkAArZu-FI.bin"},
		{"empty mime falls back", "AgADcQkAArZu-FI", "", "AgADcQkAArZu-FI.bin"},
		{"unsafe characters sanitized", "a b/c", "image/png", "a_b_c.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := storage.ObjectKey(tt.fileUniqueID, tt.mimeType); got != tt.want {
				t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.fileUniqueID, tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestClientUploadAndDownload(t *testing.T) {
	t.Parallel()

	objects := make(map[string][]byte)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			if r.Header.Get("If-None-Match") == "*" {
				if _, ok := objects[key]; ok {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			body, _ := io.ReadAll(r.Body)
			objects[key] = body
			w.WriteHeader(http.StatusCreated)
		case http.MethodHead:
			if _, ok := objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, ok := objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	client, err := storage.NewClient(storage.Config{
		BaseURL: srv.URL,
		Bucket:  "media",
		Timeout: 5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx := context.Background()
	key := storage.ObjectKey("AgADcQkAArZu-FI", "image/jpeg")

	url, err := client.Upload(ctx, key, []byte("jpeg-bytes"), "image/jpeg", false)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url == "" {
		t.Fatal("Upload returned empty public URL")
	}

	exists, err := client.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("Exists = false after upload, want true")
	}

	data, contentType, err := client.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("Download body = %q, want %q", data, "jpeg-bytes")
	}
	if contentType != "image/jpeg" {
		t.Errorf("Download content type = %q, want image/jpeg", contentType)
	}

	// A second non-upsert upload of the same key must refuse to overwrite.
	if _, err := client.Upload(ctx, key, []byte("other"), "image/jpeg", false); !errors.Is(err, storage.ErrObjectExists) {
		t.Errorf("second Upload error = %v, want ErrObjectExists", err)
	}

	// With upsert the overwrite goes through.
	if _, err := client.Upload(ctx, key, []byte("replacement"), "image/jpeg", true); err != nil {
		t.Errorf("upsert Upload error = %v, want nil", err)
	}

	exists, err = client.Exists(ctx, "missing-key.jpg")
	if err != nil {
		t.Fatalf("Exists for missing key: %v", err)
	}
	if exists {
		t.Error("Exists = true for missing key, want false")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantKind      resilience.Kind
	}{
		{
			name:          "server error retries",
			err:           &storage.StatusError{StatusCode: 503, Status: "503 Service Unavailable", Op: "upload"},
			wantRetryable: true,
			wantKind:      resilience.KindExternal,
		},
		{
			name:          "rate limit retries",
			err:           &storage.StatusError{StatusCode: 429, Status: "429 Too Many Requests", Op: "upload"},
			wantRetryable: true,
			wantKind:      resilience.KindExternal,
		},
		{
			name:          "unauthorized does not retry",
			err:           &storage.StatusError{StatusCode: 401, Status: "401 Unauthorized", Op: "exists"},
			wantRetryable: false,
			wantKind:      resilience.KindExternal,
		},
		{
			name:          "transport failure retries",
			err:           errors.New("connection refused"),
			wantRetryable: true,
			wantKind:      resilience.KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := storage.Classify(tt.err)
			if got.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
		})
	}
}
