package domain

import (
	"errors"
	"testing"

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/plan"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		Filename: "photo.jpg",
		Config:   plan.RawConfig{Quality: 80, MultiResize: []int{150, 300}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	tests := []struct {
		name string
		req  CreateJobRequest
	}{
		{name: "empty", req: CreateJobRequest{}},
		{name: "path in filename", req: CreateJobRequest{Filename: "../photo.jpg"}},
		{name: "unsupported extension", req: CreateJobRequest{Filename: "notes.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateJobRequestValidateConfig(t *testing.T) {
	req := CreateJobRequest{
		Filename: "photo.png",
		Config:   plan.RawConfig{Output: "tiff"},
	}

	err := req.Validate()
	var cfgErr *plan.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Field != "output" {
		t.Fatalf("expected output field, got %s", cfgErr.Field)
	}
}

func TestCreateJobRequestValidateEncoderAvailable(t *testing.T) {
	req := CreateJobRequest{
		Filename: "photo.png",
		Config:   plan.RawConfig{Output: "webp"},
	}

	err := req.Validate()
	if codec.CanEncode(codec.FormatWebP) {
		if err != nil {
			t.Fatalf("expected webp output accepted, got %v", err)
		}
		return
	}
	var cfgErr *plan.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "output" {
		t.Fatalf("expected output ConfigError, got %v", err)
	}
}

func TestJobTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		JobStatusCreated:    false,
		JobStatusQueued:     false,
		JobStatusProcessing: false,
		JobStatusSucceeded:  true,
		JobStatusSkipped:    true,
		JobStatusFailed:     true,
	} {
		if got := (Job{Status: status}).Terminal(); got != want {
			t.Fatalf("expected terminal=%v for %s, got %v", want, status, got)
		}
	}
}
