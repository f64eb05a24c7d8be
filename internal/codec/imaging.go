package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrWebPExportUnavailable = errors.New("webp export requires govips build tag")

type imagingImage struct {
	img image.Image
}

func (i imagingImage) Width() int  { return i.img.Bounds().Dx() }
func (i imagingImage) Height() int { return i.img.Bounds().Dy() }

// Imaging is the pure Go codec. It cannot encode WEBP, write progressive
// JPEGs or carry metadata over; those options are ignored.
type Imaging struct{}

func (Imaging) LoadMetadata(ctx context.Context, data []byte) (Metadata, error) {
	if err := checkContext(ctx); err != nil {
		return Metadata{}, err
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("read image metadata: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Metadata{}, fmt.Errorf("image has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return Metadata{Width: cfg.Width, Height: cfg.Height, Format: formatFromName(name)}, nil
}

func (Imaging) Decode(ctx context.Context, data []byte) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return imagingImage{img: img}, nil
}

func (Imaging) Resize(ctx context.Context, img Image, opts ResizeOptions) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	src, err := unwrapImaging(img)
	if err != nil {
		return nil, err
	}

	if opts.Width <= 0 && opts.Height <= 0 {
		return imagingImage{img: imaging.Clone(src)}, nil
	}

	switch opts.Mode {
	case ModeExact:
		return imagingImage{img: imaging.Resize(src, opts.Width, opts.Height, imaging.Lanczos)}, nil
	default:
		maxW, maxH := opts.Width, opts.Height
		if maxW <= 0 {
			maxW = img.Width()
		}
		if maxH <= 0 {
			maxH = img.Height()
		}
		return imagingImage{img: imaging.Fit(src, maxW, maxH, imaging.Lanczos)}, nil
	}
}

func (Imaging) Composite(ctx context.Context, base, overlay Image, left, top int) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dst, err := unwrapImaging(base)
	if err != nil {
		return nil, err
	}
	src, err := unwrapImaging(overlay)
	if err != nil {
		return nil, err
	}
	return imagingImage{img: imaging.Overlay(dst, src, image.Pt(left, top), 1.0)}, nil
}

func (Imaging) Encode(ctx context.Context, img Image, opts EncodeOptions) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	src, err := unwrapImaging(img)
	if err != nil {
		return nil, err
	}

	format, err := imagingFormat(opts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = imaging.Encode(&buf, src, format,
		imaging.JPEGQuality(opts.JPEGQuality),
		imaging.PNGCompressionLevel(pngCompression(opts.PNGCompressionLevel)),
	)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func imagingFormat(opts EncodeOptions) (imaging.Format, error) {
	switch opts.Format {
	case FormatJPEG:
		return imaging.JPEG, nil
	case FormatPNG:
		return imaging.PNG, nil
	case FormatGIF:
		return imaging.GIF, nil
	case FormatBMP:
		return imaging.BMP, nil
	case FormatWebP:
		return 0, ErrWebPExportUnavailable
	case FormatNone:
		f, err := imaging.FormatFromFilename(opts.Filename)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(opts.Filename))
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, opts.Format)
	}
}

// pngCompression maps a zlib-style 0-9 level onto the four levels exposed
// by image/png.
func pngCompression(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

func unwrapImaging(img Image) (image.Image, error) {
	wrapped, ok := img.(imagingImage)
	if !ok || wrapped.img == nil {
		return nil, ErrForeignImage
	}
	return wrapped.img, nil
}

func formatFromName(name string) Format {
	switch strings.ToLower(name) {
	case "jpeg", "jpg":
		return FormatJPEG
	case "png":
		return FormatPNG
	case "gif":
		return FormatGIF
	case "bmp":
		return FormatBMP
	case "webp":
		return FormatWebP
	default:
		return Format(name)
	}
}
