package geometry

import (
	"fmt"
	"strings"
)

// Anchor is a named position of the watermark over the base image.
type Anchor int

// Anchors name the compass point the watermark is pinned to. Margins apply
// on the edges an anchor touches.
const (
	AnchorCenter Anchor = iota
	AnchorNorth
	AnchorSouth
	AnchorEast
	AnchorWest
	AnchorNorthEast
	AnchorNorthWest
	AnchorSouthEast
	AnchorSouthWest

	anchorCount
)

// align is the placement rule applied to one axis.
type align int

const (
	alignStart align = iota
	alignCenter
	alignEnd
)

type placement struct {
	name string
	x, y align
}

var placements = [...]placement{
	AnchorCenter:    {"center", alignCenter, alignCenter},
	AnchorNorth:     {"north", alignCenter, alignStart},
	AnchorSouth:     {"south", alignCenter, alignEnd},
	AnchorEast:      {"east", alignEnd, alignCenter},
	AnchorWest:      {"west", alignStart, alignCenter},
	AnchorNorthEast: {"northeast", alignEnd, alignStart},
	AnchorNorthWest: {"northwest", alignStart, alignStart},
	AnchorSouthEast: {"southeast", alignEnd, alignEnd},
	AnchorSouthWest: {"southwest", alignStart, alignEnd},
}

// Fails to compile when an anchor is added without a placement.
var _ = [1]struct{}{}[len(placements)-int(anchorCount)]

var alternateNames = map[string]Anchor{
	"centertop":    AnchorNorth,
	"centerbottom": AnchorSouth,
	"centerleft":   AnchorWest,
	"centerright":  AnchorEast,
	"upperleft":    AnchorNorthWest,
	"upperright":   AnchorNorthEast,
	"downleft":     AnchorSouthWest,
	"downright":    AnchorSouthEast,
}

// Anchors returns every anchor in declaration order.
func Anchors() []Anchor {
	out := make([]Anchor, 0, anchorCount)
	for a := Anchor(0); a < anchorCount; a++ {
		out = append(out, a)
	}
	return out
}

// ParseAnchor accepts compass names (north, southeast, ...) and the
// centerTop/upperLeft/downRight family, case-insensitively.
func ParseAnchor(name string) (Anchor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for a, p := range placements {
		if p.name == key {
			return Anchor(a), nil
		}
	}
	if a, ok := alternateNames[key]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("unknown watermark anchor %q", name)
}

// Valid reports whether a is one of the declared anchors.
func (a Anchor) Valid() bool {
	return a >= 0 && a < anchorCount
}

func (a Anchor) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Anchor(%d)", int(a))
	}
	return placements[a].name
}
