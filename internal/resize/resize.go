// Package resize turns configured target dimensions into codec resize
// requests for the primary output and for multi-resize variants.
package resize

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelstage/internal/codec"
)

// Dimensions is the configured single-resize target. Zero means unset.
type Dimensions struct {
	Width  int `json:"width,omitempty" mapstructure:"width"`
	Height int `json:"height,omitempty" mapstructure:"height"`
}

func (d Dimensions) IsZero() bool {
	return d.Width <= 0 && d.Height <= 0
}

// PlanSingle passes dims through verbatim. It reports false when neither
// dimension is set. Unless ignoreAspectRatio is set the request is a
// bounding box, so the image is never enlarged.
func PlanSingle(dims Dimensions, ignoreAspectRatio bool) (codec.ResizeOptions, bool) {
	if dims.IsZero() {
		return codec.ResizeOptions{}, false
	}

	opts := codec.ResizeOptions{
		Width:  max(dims.Width, 0),
		Height: max(dims.Height, 0),
		Mode:   codec.ModeBoundingBox,
	}
	if ignoreAspectRatio {
		opts.Mode = codec.ModeExact
	}
	return opts, true
}

// Variant is one multi-resize output derived from the primary image.
type Variant struct {
	Edge    int
	Path    string
	Options codec.ResizeOptions
}

// PlanMulti returns one square bounding-box variant per edge, in order.
func PlanMulti(edges []int, path string) []Variant {
	if len(edges) == 0 {
		return nil
	}

	variants := make([]Variant, 0, len(edges))
	for _, edge := range edges {
		variants = append(variants, Variant{
			Edge: edge,
			Path: VariantPath(path, edge),
			Options: codec.ResizeOptions{
				Width:  edge,
				Height: edge,
				Mode:   codec.ModeBoundingBox,
			},
		})
	}
	return variants
}

// VariantPath inserts "-{edge}" before the extension of path.
func VariantPath(path string, edge int) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + strconv.Itoa(edge) + ext
}
