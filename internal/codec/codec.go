// Package codec defines the image codec collaborator used by the transform
// pipeline and ships two implementations: a pure Go one built on
// disintegration/imaging (default) and a libvips one built on govips
// (build tags govips and cgo).
package codec

import (
	"context"
	"errors"
)

type Format string

const (
	FormatNone Format = ""
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrForeignImage      = errors.New("image handle belongs to another codec")
)

// Mode selects how ResizeOptions bounds are interpreted.
type Mode int

const (
	// ModeBoundingBox fits the image inside Width x Height keeping its aspect
	// ratio and never enlarges it. A zero bound leaves that axis free.
	ModeBoundingBox Mode = iota
	// ModeExact resizes to Width x Height. A zero bound is inferred from the
	// other one to keep the aspect ratio.
	ModeExact
)

type ResizeOptions struct {
	Width  int
	Height int
	Mode   Mode
}

type EncodeOptions struct {
	// Format is authoritative when set. When empty the codec picks the
	// format from Filename's extension.
	Format              Format
	Filename            string
	JPEGQuality         int
	PNGCompressionLevel int
	WebPQuality         int
	Progressive         bool
	KeepMetadata        bool
}

type Metadata struct {
	Width  int
	Height int
	Format Format
}

// Image is an opaque decoded image owned by the codec that produced it.
type Image interface {
	Width() int
	Height() int
}

// Codec decodes, transforms and encodes images. Implementations must be safe
// for concurrent use, and Resize and Composite must leave their inputs
// untouched.
type Codec interface {
	LoadMetadata(ctx context.Context, data []byte) (Metadata, error)
	Decode(ctx context.Context, data []byte) (Image, error)
	Resize(ctx context.Context, img Image, opts ResizeOptions) (Image, error)
	Composite(ctx context.Context, base, overlay Image, left, top int) (Image, error)
	Encode(ctx context.Context, img Image, opts EncodeOptions) ([]byte, error)
}

// New returns the codec selected at build time.
func New() (Codec, error) {
	return newCodec()
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
