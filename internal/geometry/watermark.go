// Package geometry computes where a watermark lands on a base image and how
// much it has to shrink to fit.
package geometry

import "math"

// NoMaxSize disables proportional watermark scaling. The watermark is still
// shrunk when it overflows the base image.
const NoMaxSize = -1

// Size is a width and height in pixels.
type Size struct {
	Width  int
	Height int
}

// Coordinate is the top-left corner of the watermark on the base image.
type Coordinate struct {
	X int
	Y int
}

// Axis is the dimension a watermark scale is computed on.
type Axis int

const (
	AxisWidth Axis = iota
	AxisHeight
)

func (a Axis) String() string {
	if a == AxisWidth {
		return "width"
	}
	return "height"
}

// Scale describes a watermark shrink along one axis. The other axis is left
// for the codec to infer from the watermark's own aspect ratio.
type Scale struct {
	Axis Axis
	// Target is the maximum length allowed on Axis.
	Target int
	// Ratio is Target divided by the watermark length on Axis, rounded to two
	// decimals.
	Ratio float64
	// Length is the resized watermark length on Axis.
	Length int
}

// WatermarkScale decides whether the watermark must be scaled. Scaling
// applies when maxSizePercent is set, or when the watermark is wider or
// taller than the image, in which case the percent defaults to 100. A
// watermark already within the target length is never enlarged, so false is
// also returned in that case.
func WatermarkScale(image, watermark Size, maxSizePercent int) (Scale, bool) {
	overflows := watermark.Width > image.Width || watermark.Height > image.Height
	if maxSizePercent == NoMaxSize && !overflows {
		return Scale{}, false
	}

	percent := maxSizePercent
	if percent == NoMaxSize || percent == 0 {
		percent = 100
	}

	widthDiff := watermark.Width - image.Width
	heightDiff := watermark.Height - image.Height

	s := Scale{Axis: AxisHeight}
	imageLen, wmLen := image.Height, watermark.Height
	if widthDiff > heightDiff {
		s.Axis = AxisWidth
		imageLen, wmLen = image.Width, watermark.Width
	}
	if wmLen <= 0 {
		return Scale{}, false
	}

	s.Target = roundHalfUp(float64(imageLen) * float64(percent) / 100)
	if wmLen <= s.Target {
		return Scale{}, false
	}
	s.Ratio = roundRatio(float64(s.Target) / float64(wmLen))
	s.Length = roundHalfUp(s.Ratio * float64(wmLen))
	return s, true
}

// WatermarkCoordinates places the watermark according to anchor. Each axis
// is flush to the near edge plus margin, centred, or flush to the far edge
// minus margin. Results are clamped to zero as a fallback for watermarks
// still larger than the image after scaling.
func WatermarkCoordinates(image, watermark Size, anchor Anchor, margin int) Coordinate {
	p := placements[AnchorCenter]
	if anchor.Valid() {
		p = placements[anchor]
	}
	return Coordinate{
		X: clampZero(roundHalfUp(place(p.x, image.Width, watermark.Width, margin))),
		Y: clampZero(roundHalfUp(place(p.y, image.Height, watermark.Height, margin))),
	}
}

func place(rule align, imageLen, wmLen, margin int) float64 {
	switch rule {
	case alignStart:
		return float64(margin)
	case alignEnd:
		return float64(imageLen - wmLen - margin)
	default:
		return float64(imageLen)/2 - float64(wmLen)/2
	}
}

// roundRatio keeps two decimals. The loss is intended: resized watermark
// dimensions are derived from the rounded ratio.
func roundRatio(r float64) float64 {
	return math.Floor(r*100+0.5) / 100
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
