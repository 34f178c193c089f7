package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/Lllllllleong/documentsignflow/internal/capture"
	"github.com/Lllllllleong/documentsignflow/internal/docstate"
	"github.com/Lllllllleong/documentsignflow/internal/gcp"
	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/workflow"
)

// AnnotatorConfig holds all configuration for the annotator service.
type AnnotatorConfig struct {
	Port           string
	ProjectID      string
	ExportBucket   string
	CollectionName string
	MaxUploadBytes int64
	SessionTTL     time.Duration
}

// AnnotatorFunction serves the interactive annotation API. Each session owns
// one document store and one workflow.
type AnnotatorFunction struct {
	storageClient   *storage.Client
	firestoreClient *firestore.Client
	config          AnnotatorConfig
	mux             *http.ServeMux
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*annotatorSession
}

type annotatorSession struct {
	id   string
	flow *workflow.Workflow

	mu       sync.Mutex
	capture  *capture.Session
	lastUsed time.Time
}

var errBadRequest = errors.New("bad request")

// loadAnnotatorConfig loads and validates the environment for this service.
func loadAnnotatorConfig() (*AnnotatorConfig, error) {
	maxUpload, err := gcp.GetEnvInt64("MAX_UPLOAD_BYTES", 32<<20)
	if err != nil {
		return nil, err
	}
	if maxUpload <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	ttl, err := gcp.GetEnvDuration("SESSION_TTL", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return &AnnotatorConfig{
		Port:           gcp.GetEnv("PORT", "8080"),
		ProjectID:      gcp.GetEnv("PROJECT_ID", ""),
		ExportBucket:   gcp.GetEnv("EXPORT_BUCKET", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "exports"),
		MaxUploadBytes: maxUpload,
		SessionTTL:     ttl,
	}, nil
}

// NewAnnotator creates the service. GCS and Firestore clients are only
// created when EXPORT_BUCKET and PROJECT_ID are set.
func NewAnnotator(ctx context.Context) (*AnnotatorFunction, error) {
	config, err := loadAnnotatorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	f := newAnnotator(*config)
	if config.ExportBucket != "" {
		f.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
	}
	if config.ProjectID != "" {
		f.firestoreClient, err = gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
	}
	slog.Info("Annotator initialized.", "exportBucket", config.ExportBucket, "sessionTtl", config.SessionTTL.String())
	return f, nil
}

func newAnnotator(config AnnotatorConfig) *AnnotatorFunction {
	f := &AnnotatorFunction{
		config:   config,
		now:      time.Now,
		sessions: make(map[string]*annotatorSession),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", f.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", f.session(f.handleView))
	mux.HandleFunc("DELETE /sessions/{id}", f.handleCloseSession)
	mux.HandleFunc("POST /sessions/{id}/document", f.session(f.handleLoadDocument))
	mux.HandleFunc("DELETE /sessions/{id}/document", f.session(f.handleResetDocument))
	mux.HandleFunc("POST /sessions/{id}/page", f.session(f.handleGoToPage))
	mux.HandleFunc("POST /sessions/{id}/page/next", f.session(f.handleNextPage))
	mux.HandleFunc("POST /sessions/{id}/page/prev", f.session(f.handlePrevPage))
	mux.HandleFunc("GET /sessions/{id}/page.png", f.session(f.handlePreview))
	mux.HandleFunc("POST /sessions/{id}/capture", f.session(f.handleOpenCapture))
	mux.HandleFunc("POST /sessions/{id}/capture/strokes", f.session(f.handleStroke))
	mux.HandleFunc("POST /sessions/{id}/capture/clear", f.session(f.handleClearCapture))
	mux.HandleFunc("POST /sessions/{id}/capture/commit", f.session(f.handleCommitCapture))
	mux.HandleFunc("POST /sessions/{id}/capture/cancel", f.session(f.handleCancelCapture))
	mux.HandleFunc("POST /sessions/{id}/annotations/upload", f.session(f.handleUpload))
	mux.HandleFunc("PUT /sessions/{id}/annotations/{annId}", f.session(f.handleMove))
	mux.HandleFunc("DELETE /sessions/{id}/annotations/selected", f.session(f.handleDeleteSelected))
	mux.HandleFunc("DELETE /sessions/{id}/annotations/{annId}", f.session(f.handleDelete))
	mux.HandleFunc("POST /sessions/{id}/selection", f.session(f.handleSelect))
	mux.HandleFunc("POST /sessions/{id}/keys", f.session(f.handleKey))
	mux.HandleFunc("POST /sessions/{id}/export", f.session(f.handleExport))
	f.mux = mux
	return f
}

// ServeHTTP routes a request to its session handler.
func (f *AnnotatorFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

// Close ends every session.
func (f *AnnotatorFunction) Close() {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[string]*annotatorSession)
	f.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger)

// session resolves {id} and serializes requests within one session.
func (f *AnnotatorFunction) session(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		logCtx := slog.With("sessionId", id, "method", r.Method, "path", r.URL.Path)
		s, ok := f.lookup(id)
		if !ok {
			writeError(w, logCtx, fmt.Errorf("session %s: %w", id, models.ErrNotFound))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		h(w, r, s, logCtx)
	}
}

func (f *AnnotatorFunction) lookup(id string) (*annotatorSession, bool) {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, false
	}
	if f.expired(s, now) {
		delete(f.sessions, id)
		go s.close()
		return nil, false
	}
	s.lastUsed = now
	return s, true
}

func (f *AnnotatorFunction) expired(s *annotatorSession, now time.Time) bool {
	return f.config.SessionTTL > 0 && now.Sub(s.lastUsed) > f.config.SessionTTL
}

// sweepLocked drops idle sessions.
func (f *AnnotatorFunction) sweepLocked(now time.Time) {
	for id, s := range f.sessions {
		if f.expired(s, now) {
			delete(f.sessions, id)
			go s.close()
			slog.Info("Session expired.", "sessionId", id)
		}
	}
}

func (s *annotatorSession) close() {
	s.mu.Lock()
	if s.capture != nil {
		s.capture.Cancel()
		s.capture = nil
	}
	s.mu.Unlock()
	s.flow.Close()
}

func (f *AnnotatorFunction) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	logCtx := slog.With("sessionId", id)
	store := docstate.New(docstate.WithLogger(logCtx))
	s := &annotatorSession{
		id:       id,
		flow:     workflow.New(store, workflow.WithLogger(logCtx)),
		lastUsed: f.now(),
	}

	f.mu.Lock()
	f.sweepLocked(s.lastUsed)
	f.sessions[id] = s
	f.mu.Unlock()

	logCtx.Info("Session created.")
	writeJSON(w, logCtx, http.StatusCreated, models.CreateSessionResponse{SessionID: id})
}

func (f *AnnotatorFunction) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	s, ok := f.sessions[id]
	delete(f.sessions, id)
	f.mu.Unlock()
	if !ok {
		writeError(w, slog.With("sessionId", id), fmt.Errorf("session %s: %w", id, models.ErrNotFound))
		return
	}
	s.close()
	w.WriteHeader(http.StatusNoContent)
}

func (f *AnnotatorFunction) handleView(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	writeJSON(w, logCtx, http.StatusOK, s.view())
}

func (f *AnnotatorFunction) handleLoadDocument(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	filename, _, data, err := f.readUpload(w, r, "file")
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	if _, err := s.flow.LoadDocument(r.Context(), filename, data); err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusOK, s.view())
}

func (f *AnnotatorFunction) handleResetDocument(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	s.flow.Reset()
	writeJSON(w, logCtx, http.StatusOK, s.view())
}

func (f *AnnotatorFunction) handleGoToPage(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	var req models.PageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logCtx, err)
		return
	}
	f.respondView(w, r, s, logCtx, s.flow.GoToPage(r.Context(), req.Page))
}

func (f *AnnotatorFunction) handleNextPage(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	f.respondView(w, r, s, logCtx, s.flow.NextPage(r.Context()))
}

func (f *AnnotatorFunction) handlePrevPage(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	f.respondView(w, r, s, logCtx, s.flow.PrevPage(r.Context()))
}

func (f *AnnotatorFunction) respondView(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger, err error) {
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusOK, s.view())
}

func (f *AnnotatorFunction) handlePreview(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	data, err := s.flow.Preview(r.Context())
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		logCtx.Error("Failed to write preview.", "error", err)
	}
}

func (f *AnnotatorFunction) handleOpenCapture(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	if !s.flow.Store().State().Loaded {
		writeError(w, logCtx, models.ErrNoDocument)
		return
	}
	if s.capture != nil {
		s.capture.Cancel()
	}
	s.capture = capture.Open()
	writeJSON(w, logCtx, http.StatusOK, s.captureState())
}

func (f *AnnotatorFunction) handleStroke(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	var req models.StrokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logCtx, err)
		return
	}
	if s.capture == nil {
		writeError(w, logCtx, models.ErrSessionClosed)
		return
	}
	pts := make([]capture.Point, len(req.Points))
	for i, p := range req.Points {
		pts[i] = capture.Point{X: p[0], Y: p[1]}
	}
	if err := s.capture.AddStroke(pts); err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusOK, s.captureState())
}

func (f *AnnotatorFunction) handleClearCapture(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	if s.capture == nil {
		writeError(w, logCtx, models.ErrSessionClosed)
		return
	}
	if err := s.capture.Clear(); err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusOK, s.captureState())
}

func (f *AnnotatorFunction) handleCommitCapture(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	c := s.capture
	if c == nil {
		writeError(w, logCtx, models.ErrSessionClosed)
		return
	}
	s.capture = nil
	if _, err := c.Commit(); err != nil {
		writeError(w, logCtx, err)
		return
	}
	a, err := s.flow.AwaitSignature(r.Context(), c)
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusCreated, a)
}

func (f *AnnotatorFunction) handleCancelCapture(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	if s.capture != nil {
		s.capture.Cancel()
		s.capture = nil
	}
	writeJSON(w, logCtx, http.StatusOK, s.captureState())
}

func (f *AnnotatorFunction) handleUpload(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	filename, contentType, data, err := f.readUpload(w, r, "image")
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	a, err := s.flow.UploadImage(r.Context(), filename, contentType, data)
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusCreated, a)
}

func (f *AnnotatorFunction) handleMove(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	var req models.PlacementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logCtx, err)
		return
	}
	a, err := s.flow.MoveAnnotation(r.PathValue("annId"), req.X, req.Y, req.Width, req.Height)
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	writeJSON(w, logCtx, http.StatusOK, a)
}

func (f *AnnotatorFunction) handleSelect(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	var req models.SelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logCtx, err)
		return
	}
	if req.ID == "" {
		s.flow.ClearSelection()
	} else if !s.flow.Select(req.ID) {
		writeError(w, logCtx, fmt.Errorf("annotation %s on current page: %w", req.ID, models.ErrNotFound))
		return
	}
	writeJSON(w, logCtx, http.StatusOK, s.view())
}

func (f *AnnotatorFunction) handleKey(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	var req models.KeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, logCtx, err)
		return
	}
	id, ok := s.flow.HandleKey(req.Key)
	writeJSON(w, logCtx, http.StatusOK, models.DeleteResponse{Deleted: ok, ID: id})
}

func (f *AnnotatorFunction) handleDeleteSelected(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	id, ok := s.flow.DeleteSelected()
	writeJSON(w, logCtx, http.StatusOK, models.DeleteResponse{Deleted: ok, ID: id})
}

func (f *AnnotatorFunction) handleDelete(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	id := r.PathValue("annId")
	if !s.flow.RemoveAnnotation(id) {
		writeError(w, logCtx, fmt.Errorf("annotation %s: %w", id, models.ErrNotFound))
		return
	}
	writeJSON(w, logCtx, http.StatusOK, models.DeleteResponse{Deleted: true, ID: id})
}

func (f *AnnotatorFunction) handleExport(w http.ResponseWriter, r *http.Request, s *annotatorSession, logCtx *slog.Logger) {
	out, err := s.flow.Export(r.Context())
	if err != nil {
		writeError(w, logCtx, err)
		return
	}
	if uri, err := f.persistExport(r.Context(), logCtx, s, out); err != nil {
		logCtx.Error("Failed to persist export. Returning it anyway.", "error", err)
	} else if uri != "" {
		w.Header().Set("X-Export-Uri", uri)
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out.Filename}))
	if _, err := w.Write(out.Data); err != nil {
		logCtx.Error("Failed to write export.", "error", err)
	}
}

// persistExport copies an export to GCS and records it in Firestore when
// those are configured.
func (f *AnnotatorFunction) persistExport(ctx context.Context, logCtx *slog.Logger, s *annotatorSession, out *workflow.Export) (string, error) {
	if f.storageClient == nil {
		return "", nil
	}
	objectName := fmt.Sprintf("%s/%s", s.id, out.Filename)
	bucket := f.storageClient.Bucket(f.config.ExportBucket)
	if err := gcp.SaveToGCSAtomically(ctx, bucket, objectName, out.Data, "application/pdf"); err != nil {
		return "", err
	}
	uri := gcp.URI(f.config.ExportBucket, objectName)
	logCtx.Info("Export stored.", "outputGcsUri", uri)

	if f.firestoreClient != nil {
		rec := exportRecord(s.id, s.flow.Store().State().Filename, uri, out, f.now())
		if _, err := gcp.RecordExport(ctx, f.firestoreClient, f.config.CollectionName, rec); err != nil {
			return uri, err
		}
	}
	return uri, nil
}

// exportRecord describes a stored export for Firestore.
func exportRecord(sessionID, original, uri string, out *workflow.Export, now time.Time) models.ExportRecord {
	return models.ExportRecord{
		SessionID:        sessionID,
		OriginalFilename: original,
		OutputFilename:   out.Filename,
		OutputGCSUri:     uri,
		Page:             out.Page,
		PageCount:        out.PageCount,
		AnnotationCount:  out.AnnotationCount,
		Placements:       out.Placements,
		FileHash:         hashBytes(out.Data),
		CreatedAt:        now,
	}
}

// readUpload reads one multipart file field, bounded by MAX_UPLOAD_BYTES.
func (f *AnnotatorFunction) readUpload(w http.ResponseWriter, r *http.Request, field string) (filename, contentType string, data []byte, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, f.config.MaxUploadBytes)
	file, header, err := r.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", "", nil, err
		}
		return "", "", nil, fmt.Errorf("%w: multipart field %q: %v", errBadRequest, field, err)
	}
	defer file.Close()
	data, err = io.ReadAll(file)
	if err != nil {
		return "", "", nil, fmt.Errorf("reading upload: %w", err)
	}
	return header.Filename, header.Header.Get("Content-Type"), data, nil
}

func (s *annotatorSession) captureState() models.CaptureResponse {
	res := models.CaptureResponse{Width: capture.Width, Height: capture.Height}
	if s.capture != nil && !s.capture.Closed() {
		res.Open = true
		res.Strokes = s.capture.StrokeCount()
	}
	return res
}

func (s *annotatorSession) view() models.SessionView {
	v := s.flow.View()
	out := models.SessionView{
		SessionID: s.id,
		Phase:     v.Phase.String(),
		Document: models.DocumentState{
			Filename:    v.Document.Filename,
			CurrentPage: v.Document.CurrentPage,
			TotalPages:  v.Document.TotalPages,
			Loaded:      v.Document.Loaded,
		},
		Width:       v.Width,
		Height:      v.Height,
		CanPrev:     v.CanPrev,
		CanNext:     v.CanNext,
		SelectedID:  v.SelectedID,
		OnPage:      nonNil(v.OnPage),
		Annotations: nonNil(v.Annotations),
		Capturing:   s.capture != nil && !s.capture.Closed(),
	}
	for _, n := range s.flow.Notices() {
		out.Notices = append(out.Notices, models.Notice{
			Level:     string(n.Level),
			Operation: n.Operation,
			Message:   n.Message,
			Detail:    n.Detail,
		})
	}
	return out
}

func nonNil(a []models.Annotation) []models.Annotation {
	if a == nil {
		return []models.Annotation{}
	}
	return a
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: could not parse JSON: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, logCtx *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logCtx.Error("Failed to write response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, logCtx *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logCtx.Error("Request failed.", "status", status, "error", err)
	} else {
		logCtx.Warn("Request rejected.", "status", status, "error", err)
	}
	writeJSON(w, logCtx, status, models.ErrorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, models.ErrDocumentLoad),
		errors.Is(err, models.ErrNotImage),
		errors.Is(err, models.ErrBadPlacement):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoDocument),
		errors.Is(err, models.ErrSessionClosed),
		errors.Is(err, models.ErrExportRunning),
		errors.Is(err, workflow.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, models.ErrRender),
		errors.Is(err, models.ErrEmbed),
		errors.Is(err, models.ErrEncode),
		errors.Is(err, models.ErrCapture):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
