package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/dunamismax/pixelstage/internal/config"
)

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}

	c, err := NewClient(config.StorageConfig{Endpoint: "localhost:9000", Bucket: "jobs"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "jobs" {
		t.Fatalf("expected bucket jobs, got %s", c.Bucket())
	}
}

func TestReadErrorMapsMissingObjects(t *testing.T) {
	missing := readError("uploads/a.png", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	if !errors.Is(missing, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", missing)
	}

	denied := readError("uploads/a.png", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403})
	if errors.Is(denied, ErrObjectNotFound) {
		t.Fatalf("expected access denied to stay distinct, got %v", denied)
	}
}
