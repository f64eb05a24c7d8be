// Package output maps the configured quality and output format onto codec
// encode parameters and output file names.
package output

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelstage/internal/codec"
)

const (
	MinQuality     = 1
	MaxQuality     = 100
	DefaultQuality = MaxQuality

	maxPNGCompression = 9
)

var extensions = map[codec.Format]string{
	codec.FormatJPEG: ".jpeg",
	codec.FormatPNG:  ".png",
	codec.FormatWebP: ".webp",
}

// ParseFormat accepts the forced output formats. The empty string keeps the
// input format and "jpg" is an alias of "jpeg".
func ParseFormat(name string) (codec.Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return codec.FormatNone, nil
	case "jpeg", "jpg":
		return codec.FormatJPEG, nil
	case "png":
		return codec.FormatPNG, nil
	case "webp":
		return codec.FormatWebP, nil
	default:
		return codec.FormatNone, fmt.Errorf("%w: %q", codec.ErrUnsupportedFormat, name)
	}
}

// ResolveExtension swaps the extension of path for the canonical one of
// format. With no format the path is returned unchanged.
func ResolveExtension(path string, format codec.Format) string {
	ext, ok := extensions[format]
	if !ok {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// ClampQuality brings quality into [MinQuality, MaxQuality].
func ClampQuality(quality int) int {
	return min(max(quality, MinQuality), MaxQuality)
}

// PNGCompressionLevel derives a 0-9 zlib level from quality.
func PNGCompressionLevel(quality int) int {
	level := int(math.Floor(float64(ClampQuality(quality))/10 + 0.5))
	return min(max(level, 0), maxPNGCompression)
}

// ResolveEncodeParams builds encode options for quality and format. When
// format is empty the codec picks the format from the output file name.
func ResolveEncodeParams(quality int, format codec.Format, progressive bool) codec.EncodeOptions {
	q := ClampQuality(quality)
	return codec.EncodeOptions{
		Format:              format,
		JPEGQuality:         q,
		PNGCompressionLevel: PNGCompressionLevel(q),
		WebPQuality:         q,
		Progressive:         progressive,
	}
}
