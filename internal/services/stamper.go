package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/documentsignflow/internal/docstate"
	"github.com/Lllllllleong/documentsignflow/internal/gcp"
	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/workflow"
)

// ManifestSuffix marks objects the stamper reacts to.
const ManifestSuffix = ".stamp.json"

// maxInputBytes bounds every object the stamper downloads.
const maxInputBytes = 64 << 20

type StamperConfig struct {
	ProjectID      string
	SignedBucket   string
	CollectionName string
}

type StamperFunction struct {
	storageClient   *storage.Client
	firestoreClient *firestore.Client
	config          StamperConfig
}

type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func NewStamper(ctx context.Context) (*StamperFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	config := StamperConfig{
		ProjectID:      projectID,
		SignedBucket:   gcp.GetEnv("SIGNED_BUCKET", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "stamp-jobs"),
	}
	if config.SignedBucket == "" {
		return nil, fmt.Errorf("SIGNED_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}

	f := &StamperFunction{
		firestoreClient: firestoreClient,
		storageClient:   storageClient,
		config:          config,
	}
	slog.Info("Signature stamper initialized.", "signedBucket", config.SignedBucket)
	return f, nil
}

func (f *StamperFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !strings.HasSuffix(e.Name, ManifestSuffix) {
		logCtx.Debug("Not a stamp manifest. Skipping.")
		return nil
	}
	logCtx.Info("Processing stamp manifest.")

	bucket := f.storageClient.Bucket(e.Bucket)
	raw, err := gcp.ReadObject(ctx, bucket, e.Name, maxInputBytes)
	if err != nil {
		logCtx.Error("Failed to download manifest", "error", err)
		return err
	}
	manifest, err := parseManifest(raw)
	if err != nil {
		// A malformed manifest will never succeed on retry.
		logCtx.Error("Invalid manifest. Skipping.", "error", err)
		return nil
	}
	logCtx = logCtx.With("document", manifest.Document, "signature", manifest.Signature, "page", manifest.Page)

	var document, signature []byte
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(2)
	eg.Go(func() error {
		var err error
		document, err = gcp.ReadObject(gctx, bucket, manifest.Document, maxInputBytes)
		return err
	})
	eg.Go(func() error {
		var err error
		signature, err = gcp.ReadObject(gctx, bucket, manifest.Signature, maxInputBytes)
		return err
	})
	if err := eg.Wait(); err != nil {
		logCtx.Error("Failed to download stamp inputs", "error", err)
		return err
	}

	fileHash := hashBytes(document)
	logCtx = logCtx.With("fileHash", fileHash)

	isDuplicate, jobID, err := f.isDuplicate(ctx, e.Name, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}
	if isDuplicate {
		logCtx.Info("Manifest already stamped. Skipping.", "existingJobId", jobID)
		return nil
	}

	docRef, err := f.createInitialJob(ctx, e.Name, fileHash, manifest.Document)
	if err != nil {
		logCtx.Error("Failed to create initial Firestore job", "error", err)
		return err
	}
	logCtx = logCtx.With("jobId", docRef.ID)

	updates := []firestore.Update{
		{Path: "status", Value: models.StatusStamping},
		{Path: "stampedPage", Value: pageOrFirst(manifest.Page)},
	}
	if _, err := docRef.Update(ctx, updates); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to update status to STAMPING", err)
	}

	out, err := Stamp(ctx, logCtx, manifest, document, signature)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to stamp document", err)
	}

	destObject := "signed/" + path.Base(manifest.Document)
	if err := f.uploadFile(ctx, out.Data, destObject); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to upload signed document", err)
	}

	uri := gcp.URI(f.config.SignedBucket, destObject)
	updates = []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "pageCount", Value: out.PageCount},
		{Path: "outputGcsUri", Value: uri},
	}
	if _, err := docRef.Update(ctx, updates); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to update status to COMPLETED", err)
	}
	logCtx.Info("Document stamped.", "outputGcsUri", uri)
	return nil
}

// Stamp runs the annotation workflow without a user: load the document, go
// to the manifest page, place the signature image, optionally move it, and
// export.
func Stamp(ctx context.Context, logger *slog.Logger, m models.StampManifest, document, signature []byte) (*workflow.Export, error) {
	store := docstate.New(docstate.WithLogger(logger))
	flow := workflow.New(store, workflow.WithLogger(logger))
	defer flow.Close()

	pageCount, err := flow.LoadDocument(ctx, path.Base(m.Document), document)
	if err != nil {
		return nil, err
	}
	page := pageOrFirst(m.Page)
	if page > pageCount {
		return nil, fmt.Errorf("page %d of a %d-page document: %w", page, pageCount, models.ErrNotFound)
	}
	if err := flow.GoToPage(ctx, page); err != nil {
		return nil, err
	}
	a, err := flow.UploadImage(ctx, path.Base(m.Signature), "", signature)
	if err != nil {
		return nil, err
	}
	if p := m.Placement; p != nil {
		if _, err := flow.MoveAnnotation(a.ID, p.X, p.Y, p.Width, p.Height); err != nil {
			return nil, err
		}
	}
	return flow.Export(ctx)
}

func parseManifest(data []byte) (models.StampManifest, error) {
	var m models.StampManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if m.Document == "" || m.Signature == "" {
		return m, errors.New("manifest must name a document and a signature")
	}
	if m.Page < 0 {
		return m, fmt.Errorf("invalid page %d", m.Page)
	}
	if p := m.Placement; p != nil {
		if err := workflow.CheckPlacement(p.X, p.Y, p.Width, p.Height, 0, 0); err != nil {
			return m, err
		}
	}
	return m, nil
}

func pageOrFirst(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func (f *StamperFunction) isDuplicate(ctx context.Context, manifestObject, fileHash string) (bool, string, error) {
	iter := f.firestoreClient.Collection(f.config.CollectionName).
		Where("manifestObject", "==", manifestObject).
		Where("fileHash", "==", fileHash).
		Where("status", "==", models.StatusCompleted).
		Limit(1).Documents(ctx)
	defer iter.Stop()
	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	return true, doc.Ref.ID, nil
}

func (f *StamperFunction) createInitialJob(ctx context.Context, manifestObject, fileHash, filename string) (*firestore.DocumentRef, error) {
	job := models.StampJob{
		ManifestObject:   manifestObject,
		FileHash:         fileHash,
		OriginalFilename: filename,
		Status:           models.StatusValidating,
		CreatedAt:        time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to create stamp job: %w", err)
	}
	return docRef, nil
}

func (f *StamperFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.updateStatus(ctx, docRef, models.StatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

func (f *StamperFunction) updateStatus(ctx context.Context, docRef *firestore.DocumentRef, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	_, err := docRef.Update(ctx, updates)
	return err
}

func (f *StamperFunction) uploadFile(ctx context.Context, data []byte, destObject string) error {
	const maxRetries = 4
	var backoff = 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			writeCtx, cancel := context.WithTimeout(ctx, time.Second*50)
			defer cancel()
			return gcp.SaveToGCSAtomically(writeCtx, f.storageClient.Bucket(f.config.SignedBucket), destObject, data, "application/pdf")
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", destObject, "error", ctx.Err())
			return ctx.Err()
		}
	}
	slog.Error("Upload failed after all retries.", "gcsObject", destObject, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
