//go:build govips && cgo

package codec

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/davidbyttow/govips/v2/vips"
)

type vipsImage struct {
	ref *vips.ImageRef
}

func (i vipsImage) Width() int  { return i.ref.Width() }
func (i vipsImage) Height() int { return i.ref.Height() }

// Vips is the libvips codec. Startup must be called before use.
type Vips struct{}

func (Vips) LoadMetadata(ctx context.Context, data []byte) (Metadata, error) {
	if err := checkContext(ctx); err != nil {
		return Metadata{}, err
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return Metadata{}, fmt.Errorf("read image metadata: %w", err)
	}
	defer ref.Close()

	return Metadata{
		Width:  ref.Width(),
		Height: ref.Height(),
		Format: formatFromImageType(vips.DetermineImageType(data)),
	}, nil
}

func (Vips) Decode(ctx context.Context, data []byte) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return vipsImage{ref: ref}, nil
}

func (Vips) Resize(ctx context.Context, img Image, opts ResizeOptions) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	src, err := unwrapVips(img)
	if err != nil {
		return nil, err
	}

	out, err := src.Copy()
	if err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}

	hscale, vscale := vipsScales(src.Width(), src.Height(), opts)
	if hscale == 1 && vscale == 1 {
		return vipsImage{ref: out}, nil
	}
	if err := out.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}
	return vipsImage{ref: out}, nil
}

func vipsScales(srcW, srcH int, opts ResizeOptions) (float64, float64) {
	if opts.Width <= 0 && opts.Height <= 0 {
		return 1, 1
	}

	wScale := float64(opts.Width) / float64(srcW)
	hScale := float64(opts.Height) / float64(srcH)

	if opts.Mode == ModeExact {
		switch {
		case opts.Width <= 0:
			wScale = hScale
		case opts.Height <= 0:
			hScale = wScale
		}
		return wScale, hScale
	}

	scale := 1.0
	if opts.Width > 0 && wScale < scale {
		scale = wScale
	}
	if opts.Height > 0 && hScale < scale {
		scale = hScale
	}
	return scale, scale
}

func (Vips) Composite(ctx context.Context, base, overlay Image, left, top int) (Image, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dst, err := unwrapVips(base)
	if err != nil {
		return nil, err
	}
	src, err := unwrapVips(overlay)
	if err != nil {
		return nil, err
	}

	out, err := dst.Copy()
	if err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := out.Composite(src, vips.BlendModeOver, left, top); err != nil {
		return nil, fmt.Errorf("composite watermark: %w", err)
	}
	return vipsImage{ref: out}, nil
}

func (Vips) Encode(ctx context.Context, img Image, opts EncodeOptions) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	ref, err := unwrapVips(img)
	if err != nil {
		return nil, err
	}

	format := opts.Format
	if format == FormatNone {
		format = formatFromName(strings.TrimPrefix(strings.ToLower(filepath.Ext(opts.Filename)), "."))
	}

	var data []byte
	switch format {
	case FormatJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = opts.JPEGQuality
		params.Interlace = opts.Progressive
		params.StripMetadata = !opts.KeepMetadata
		data, _, err = ref.ExportJpeg(params)
	case FormatPNG:
		params := vips.NewPngExportParams()
		params.Compression = opts.PNGCompressionLevel
		params.Interlace = opts.Progressive
		params.StripMetadata = !opts.KeepMetadata
		data, _, err = ref.ExportPng(params)
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = opts.WebPQuality
		params.StripMetadata = !opts.KeepMetadata
		data, _, err = ref.ExportWebp(params)
	case FormatGIF:
		params := vips.NewGifExportParams()
		params.StripMetadata = !opts.KeepMetadata
		data, _, err = ref.ExportGIF(params)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return data, nil
}

func unwrapVips(img Image) (*vips.ImageRef, error) {
	wrapped, ok := img.(vipsImage)
	if !ok || wrapped.ref == nil {
		return nil, ErrForeignImage
	}
	return wrapped.ref, nil
}

func formatFromImageType(t vips.ImageType) Format {
	switch t {
	case vips.ImageTypeJPEG:
		return FormatJPEG
	case vips.ImageTypePNG:
		return FormatPNG
	case vips.ImageTypeWEBP:
		return FormatWebP
	case vips.ImageTypeGIF:
		return FormatGIF
	case vips.ImageTypeBMP:
		return FormatBMP
	default:
		return FormatNone
	}
}
