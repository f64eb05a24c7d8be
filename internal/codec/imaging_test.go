package codec

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestImagingLoadMetadata(t *testing.T) {
	meta, err := Imaging{}.LoadMetadata(context.Background(), buildTestPNG(t, 240, 120))
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if meta.Width != 240 || meta.Height != 120 {
		t.Fatalf("expected 240x120, got %dx%d", meta.Width, meta.Height)
	}
	if meta.Format != FormatPNG {
		t.Fatalf("expected png format, got %s", meta.Format)
	}

	if _, err := (Imaging{}).LoadMetadata(context.Background(), []byte("not an image")); err == nil {
		t.Fatal("expected metadata error for garbage input")
	}
}

func TestImagingResize(t *testing.T) {
	c := Imaging{}
	src := decode(t, c, buildTestPNG(t, 400, 200))

	tests := []struct {
		name         string
		opts         ResizeOptions
		wantW, wantH int
	}{
		{"box width only", ResizeOptions{Width: 100}, 100, 50},
		{"box height only", ResizeOptions{Height: 50}, 100, 50},
		{"box square", ResizeOptions{Width: 150, Height: 150}, 150, 75},
		{"box never upscales", ResizeOptions{Width: 800, Height: 800}, 400, 200},
		{"exact", ResizeOptions{Width: 100, Height: 100, Mode: ModeExact}, 100, 100},
		{"exact infers height", ResizeOptions{Width: 200, Mode: ModeExact}, 200, 100},
		{"exact upscales", ResizeOptions{Width: 800, Mode: ModeExact}, 800, 400},
		{"no bounds", ResizeOptions{}, 400, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Resize(context.Background(), src, tt.opts)
			if err != nil {
				t.Fatalf("resize: %v", err)
			}
			if out.Width() != tt.wantW || out.Height() != tt.wantH {
				t.Fatalf("expected %dx%d, got %dx%d", tt.wantW, tt.wantH, out.Width(), out.Height())
			}
		})
	}

	if src.Width() != 400 || src.Height() != 200 {
		t.Fatalf("expected source to stay 400x200, got %dx%d", src.Width(), src.Height())
	}
}

func TestImagingCompositeAndEncode(t *testing.T) {
	c := Imaging{}
	base := decode(t, c, buildTestPNG(t, 100, 100))
	overlay := decode(t, c, buildTestPNG(t, 20, 10))

	out, err := c.Composite(context.Background(), base, overlay, 10, 5)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	if out.Width() != 100 || out.Height() != 100 {
		t.Fatalf("expected composite to keep base size, got %dx%d", out.Width(), out.Height())
	}

	data, err := c.Encode(context.Background(), out, EncodeOptions{Filename: "photo.JPG", JPEGQuality: 80})
	if err != nil {
		t.Fatalf("encode sniffed jpeg: %v", err)
	}
	meta, err := c.LoadMetadata(context.Background(), data)
	if err != nil {
		t.Fatalf("load encoded metadata: %v", err)
	}
	if meta.Format != FormatJPEG {
		t.Fatalf("expected jpeg output from .JPG filename, got %s", meta.Format)
	}

	data, err = c.Encode(context.Background(), out, EncodeOptions{Format: FormatPNG, Filename: "photo.jpg", PNGCompressionLevel: 9})
	if err != nil {
		t.Fatalf("encode forced png: %v", err)
	}
	if meta, _ := c.LoadMetadata(context.Background(), data); meta.Format != FormatPNG {
		t.Fatalf("expected forced png output, got %s", meta.Format)
	}
}

func TestImagingEncodeErrors(t *testing.T) {
	c := Imaging{}
	img := decode(t, c, buildTestPNG(t, 10, 10))

	if _, err := c.Encode(context.Background(), img, EncodeOptions{Format: FormatWebP}); !errors.Is(err, ErrWebPExportUnavailable) {
		t.Fatalf("expected ErrWebPExportUnavailable, got %v", err)
	}
	if _, err := c.Encode(context.Background(), img, EncodeOptions{Filename: "notes.txt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := c.Resize(context.Background(), fakeImage{}, ResizeOptions{Width: 1}); !errors.Is(err, ErrForeignImage) {
		t.Fatalf("expected ErrForeignImage, got %v", err)
	}
}

func TestPNGCompressionMapping(t *testing.T) {
	tests := map[int]png.CompressionLevel{
		0: png.NoCompression,
		2: png.BestSpeed,
		5: png.DefaultCompression,
		9: png.BestCompression,
	}
	for level, want := range tests {
		if got := pngCompression(level); got != want {
			t.Fatalf("level %d: expected %v, got %v", level, want, got)
		}
	}
}

type fakeImage struct{}

func (fakeImage) Width() int  { return 1 }
func (fakeImage) Height() int { return 1 }

func decode(t *testing.T, c Codec, data []byte) Image {
	t.Helper()

	img, err := c.Decode(context.Background(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}
