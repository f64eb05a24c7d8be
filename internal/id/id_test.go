package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIsUniqueUUID(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("expected uuid, got %s: %v", a, err)
	}
}
