package pipeline

import (
	"io"
	"path/filepath"
	"strings"
)

var supportedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
}

// SupportedExtension reports whether path has an extension the processor
// transforms. Matching is case-insensitive.
func SupportedExtension(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// InputRecord is one file handed to the processor. It is null when it
// carries neither contents nor a stream, such as a directory entry.
type InputRecord struct {
	Path     string
	Contents []byte
	Stream   io.Reader
}

func (r InputRecord) IsNull() bool {
	return r.Stream == nil && len(r.Contents) == 0
}

func (r InputRecord) IsStream() bool {
	return r.Stream != nil
}

// OutputRecord is one encoded file. Size is 0 for the primary output and the
// target edge length for multi-resize variants.
type OutputRecord struct {
	Path     string
	Contents []byte
	Size     int
	Width    int
	Height   int
}

type State int

const (
	StateSkipped State = iota
	StateEmitted
)

func (s State) String() string {
	if s == StateEmitted {
		return "emitted"
	}
	return "skipped"
}

// Outcome is the result of processing one input. Records holds the primary
// output first, then multi-resize variants in configured order.
type Outcome struct {
	State   State
	Records []OutputRecord
}
