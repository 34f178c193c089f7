package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt64 reads an integer environment variable.
func GetEnvInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// GetEnvDuration reads a duration environment variable such as "30m".
func GetEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not an error: re-delivered events must stay idempotent.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists. Skipping.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// ReadObject downloads an object, refusing objects larger than limit bytes.
func ReadObject(ctx context.Context, bucket *storage.BucketHandle, objectName string, limit int64) ([]byte, error) {
	reader, err := bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", objectName, err)
	}
	defer reader.Close()

	if limit > 0 && reader.Attrs.Size > limit {
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", objectName, reader.Attrs.Size, limit)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", objectName, err)
	}
	return data, nil
}

// URI formats a gs:// URI.
func URI(bucket, objectName string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, objectName)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
