// Package ops exposes the operational HTTP surface: manual repair passes,
// forced reprocessing, group sync triggers, and caption management. Every
// response uses one JSON envelope so tooling can script against it.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/stockpilehq/stockpile/internal/database"
	"github.com/stockpilehq/stockpile/internal/groupsync"
	"github.com/stockpilehq/stockpile/internal/ingest"
	"github.com/stockpilehq/stockpile/internal/media"
	"github.com/stockpilehq/stockpile/internal/resilience"
	"github.com/stockpilehq/stockpile/internal/telegram"
)

// Envelope is the uniform response shape of every ops endpoint.
type Envelope struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	ErrorType     string      `json:"error_type,omitempty"`
	CorrelationID string      `json:"correlation_id"`
}

// Coordinator is the slice of the ingestion layer the server drives.
type Coordinator interface {
	Reprocess(ctx context.Context, messageID uint, correlationID string) error
	HandleEditedMessage(ctx context.Context, chatID, platformMessageID int64, newCaption string) error
	HandleDeletedMessage(ctx context.Context, chatID, platformMessageID int64) error
	Lookup(ctx context.Context, chatID, platformMessageID int64) (*database.Message, error)
}

// Syncer triggers media group synchronization.
type Syncer interface {
	Sync(ctx context.Context, groupID string, sourceID uint, opts groupsync.Options) (*groupsync.Result, error)
}

// Repairer runs media repair passes.
type Repairer interface {
	Redownload(ctx context.Context, limit int) (media.SweepReport, error)
	ValidateStored(ctx context.Context, limit int) (media.SweepReport, error)
	StandardizePaths(ctx context.Context, limit int) (media.SweepReport, error)
	FixPublicURLs(ctx context.Context, limit int) (media.SweepReport, error)
}

// Pinger reports storage health for the liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	coordinator Coordinator
	syncer      Syncer
	repairer    Repairer
	pinger      Pinger
	botAPI      telegram.BotAPI
	logger      *slog.Logger
	router      *mux.Router
	httpServer  *http.Server
}

// NewServer creates the ops server. botAPI may be nil; caption and delete
// endpoints then skip the platform call and only touch local state.
func NewServer(addr string, coordinator Coordinator, syncer Syncer, repairer Repairer, pinger Pinger, botAPI telegram.BotAPI, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coordinator: coordinator,
		syncer:      syncer,
		repairer:    repairer,
		pinger:      pinger,
		botAPI:      botAPI,
		logger:      logger.With("component", "ops_server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/ops").Subrouter()
	api.HandleFunc("/message", s.handleLookup).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/reprocess", s.handleReprocess).Methods(http.MethodPost)
	api.HandleFunc("/caption", s.handleCaption).Methods(http.MethodPost)
	api.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost)
	api.HandleFunc("/repair", s.handleRepair).Methods(http.MethodPost)
	api.HandleFunc("/redownload", s.handleRedownload).Methods(http.MethodPost)
	api.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)
	api.HandleFunc("/standardize-paths", s.handleStandardizePaths).Methods(http.MethodPost)
	api.HandleFunc("/fix-urls", s.handleFixURLs).Methods(http.MethodPost)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AttachWebhook mounts the platform update webhook. When secretToken is set,
// requests must carry it in X-Telegram-Bot-Api-Secret-Token.
func (s *Server) AttachWebhook(handler http.Handler, secretToken string) {
	log := s.logger.With("endpoint", "webhook")
	s.router.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if secretToken != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != secretToken {
			log.WarnContext(r.Context(), "Webhook request with bad secret token", "remote_addr", r.RemoteAddr)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	}).Methods(http.MethodPost)
	log.Info("Webhook endpoint attached")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Ops server shutdown failed", "error", err)
			return err
		}
		s.logger.Info("Ops server stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, correlationID string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:       true,
		Data:          data,
		CorrelationID: correlationID,
	})
}

func (s *Server) writeError(w http.ResponseWriter, correlationID string, status int, kind resilience.Kind, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:       false,
		Error:         err.Error(),
		ErrorType:     string(kind),
		CorrelationID: correlationID,
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.writeError(w, correlationID, http.StatusServiceUnavailable, resilience.KindTransient, err)
			return
		}
	}
	s.writeSuccess(w, correlationID, map[string]string{"status": "ok"})
}

// messageView is the ops projection of a stored message.
type messageView struct {
	ID                uint   `json:"id"`
	ChatID            int64  `json:"chat_id"`
	PlatformMessageID int64  `json:"platform_message_id"`
	MediaGroupID      string `json:"media_group_id,omitempty"`
	ProcessingState   string `json:"processing_state"`
	AnalyzedContent   string `json:"analyzed_content,omitempty"`
	EditCount         int    `json:"edit_count"`
	StoragePath       string `json:"storage_path,omitempty"`
	PublicURL         string `json:"public_url,omitempty"`
	NeedsRedownload   bool   `json:"needs_redownload"`
	RedownloadReason  string `json:"redownload_reason,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	CorrelationID     string `json:"correlation_id,omitempty"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()

	chatID, err1 := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	platformMessageID, err2 := strconv.ParseInt(r.URL.Query().Get("platform_message_id"), 10, 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation,
			fmt.Errorf("chat_id and platform_message_id query parameters are required"))
		return
	}

	msg, err := s.coordinator.Lookup(r.Context(), chatID, platformMessageID)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		s.writeError(w, correlationID, http.StatusNotFound, resilience.KindIntegrity, err)
		return
	case err != nil:
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}

	s.writeSuccess(w, correlationID, messageView{
		ID:                msg.ID,
		ChatID:            msg.ChatID,
		PlatformMessageID: msg.PlatformMessageID,
		MediaGroupID:      msg.MediaGroupID,
		ProcessingState:   msg.ProcessingState,
		AnalyzedContent:   msg.AnalyzedContent,
		EditCount:         msg.EditCount,
		StoragePath:       msg.StoragePath,
		PublicURL:         msg.PublicURL,
		NeedsRedownload:   msg.NeedsRedownload,
		RedownloadReason:  msg.RedownloadReason,
		ErrorMessage:      msg.ErrorMessage,
		CorrelationID:     msg.CorrelationID,
	})
}

type syncRequest struct {
	MediaGroupID    string `json:"media_group_id"`
	SourceMessageID uint   `json:"source_message_id,omitempty"`
	ForceSync       bool   `json:"force_sync,omitempty"`
	SyncEditHistory bool   `json:"sync_edit_history,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	log := s.logger.With("correlation_id", correlationID, "endpoint", "sync")

	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation, err)
		return
	}
	if req.MediaGroupID == "" {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation,
			fmt.Errorf("media_group_id is required"))
		return
	}

	result, err := s.syncer.Sync(r.Context(), req.MediaGroupID, req.SourceMessageID, groupsync.Options{
		ForceSync:       req.ForceSync,
		SyncEditHistory: req.SyncEditHistory,
	})
	switch {
	case errors.Is(err, groupsync.ErrNoSource):
		s.writeError(w, correlationID, http.StatusConflict, resilience.KindIntegrity, err)
		return
	case err != nil:
		log.ErrorContext(r.Context(), "Manual group sync failed", "media_group_id", req.MediaGroupID, "error", err)
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}

	log.InfoContext(r.Context(), "Manual group sync finished",
		"media_group_id", req.MediaGroupID, "updated", result.UpdatedCount)
	s.writeSuccess(w, correlationID, result)
}

type reprocessRequest struct {
	MessageID uint `json:"message_id"`
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()

	var req reprocessRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation, err)
		return
	}
	if req.MessageID == 0 {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation,
			fmt.Errorf("message_id is required"))
		return
	}

	if err := s.coordinator.Reprocess(r.Context(), req.MessageID, correlationID); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.writeError(w, correlationID, http.StatusNotFound, resilience.KindIntegrity, err)
			return
		}
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}
	s.writeSuccess(w, correlationID, map[string]uint{"message_id": req.MessageID})
}

type captionRequest struct {
	ChatID            int64  `json:"chat_id"`
	PlatformMessageID int64  `json:"platform_message_id"`
	Caption           string `json:"caption"`
}

func (s *Server) handleCaption(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	log := s.logger.With("correlation_id", correlationID, "endpoint", "caption")

	var req captionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation, err)
		return
	}
	if req.ChatID == 0 || req.PlatformMessageID == 0 {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation,
			fmt.Errorf("chat_id and platform_message_id are required"))
		return
	}

	if s.botAPI != nil {
		if err := s.botAPI.EditCaption(r.Context(), req.ChatID, int(req.PlatformMessageID), req.Caption); err != nil {
			log.ErrorContext(r.Context(), "Platform caption edit failed", "error", err)
			s.writeError(w, correlationID, http.StatusBadGateway, resilience.KindExternal, err)
			return
		}
	}

	if err := s.coordinator.HandleEditedMessage(r.Context(), req.ChatID, req.PlatformMessageID, req.Caption); err != nil {
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}
	s.writeSuccess(w, correlationID, map[string]interface{}{
		"chat_id":             req.ChatID,
		"platform_message_id": req.PlatformMessageID,
	})
}

type deleteRequest struct {
	ChatID            int64 `json:"chat_id"`
	PlatformMessageID int64 `json:"platform_message_id"`
	DeleteFromChat    bool  `json:"delete_from_chat,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	log := s.logger.With("correlation_id", correlationID, "endpoint", "delete")

	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation, err)
		return
	}
	if req.ChatID == 0 || req.PlatformMessageID == 0 {
		s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation,
			fmt.Errorf("chat_id and platform_message_id are required"))
		return
	}

	if req.DeleteFromChat && s.botAPI != nil {
		if err := s.botAPI.DeleteMessage(r.Context(), req.ChatID, int(req.PlatformMessageID)); err != nil {
			log.ErrorContext(r.Context(), "Platform delete failed", "error", err)
			s.writeError(w, correlationID, http.StatusBadGateway, resilience.KindExternal, err)
			return
		}
	}

	if err := s.coordinator.HandleDeletedMessage(r.Context(), req.ChatID, req.PlatformMessageID); err != nil {
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}
	s.writeSuccess(w, correlationID, map[string]interface{}{
		"chat_id":             req.ChatID,
		"platform_message_id": req.PlatformMessageID,
	})
}

type sweepRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) runSweep(w http.ResponseWriter, r *http.Request, name string, run func(context.Context, int) (media.SweepReport, error)) {
	correlationID := uuid.NewString()
	log := s.logger.With("correlation_id", correlationID, "endpoint", name)

	var req sweepRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, correlationID, http.StatusBadRequest, resilience.KindValidation, err)
			return
		}
	}

	report, err := run(r.Context(), req.Limit)
	if err != nil {
		log.ErrorContext(r.Context(), "Sweep failed", "error", err)
		s.writeError(w, correlationID, http.StatusInternalServerError, resilience.KindTransient, err)
		return
	}
	log.InfoContext(r.Context(), "Sweep finished",
		"checked", report.Checked, "repaired", report.Repaired,
		"flagged", report.Flagged, "errors", report.Errors)
	s.writeSuccess(w, correlationID, report)
}

// handleRepair runs the full repair sequence: path standardization, URL
// fixes, object validation, then redownload of everything flagged.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "repair", func(ctx context.Context, limit int) (media.SweepReport, error) {
		var total media.SweepReport
		for _, pass := range []func(context.Context, int) (media.SweepReport, error){
			s.repairer.StandardizePaths,
			s.repairer.FixPublicURLs,
			s.repairer.ValidateStored,
			s.repairer.Redownload,
		} {
			report, err := pass(ctx, limit)
			total.Checked += report.Checked
			total.Repaired += report.Repaired
			total.Flagged += report.Flagged
			total.Reacquired += report.Reacquired
			total.Errors += report.Errors
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
}

func (s *Server) handleRedownload(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "redownload", s.repairer.Redownload)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "validate", s.repairer.ValidateStored)
}

func (s *Server) handleStandardizePaths(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "standardize-paths", s.repairer.StandardizePaths)
}

func (s *Server) handleFixURLs(w http.ResponseWriter, r *http.Request) {
	s.runSweep(w, r, "fix-urls", s.repairer.FixPublicURLs)
}
