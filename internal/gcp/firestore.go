package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/documentsignflow/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// RecordExport stores an export record and returns its document ID.
func RecordExport(ctx context.Context, client *firestore.Client, collection string, rec models.ExportRecord) (string, error) {
	ref, _, err := client.Collection(collection).Add(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("failed to record export: %w", err)
	}
	return ref.ID, nil
}
