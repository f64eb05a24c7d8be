package pipeline

import (
	"context"
	"errors"
	"path"
	"strings"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, key string) (InputRecord, error) {
	if f.Storage == nil {
		return InputRecord{}, errors.New("storage client is required")
	}
	data, err := f.Storage.ReadObject(ctx, key)
	if err != nil {
		return InputRecord{}, err
	}
	return InputRecord{Path: key, Contents: data}, nil
}

// ObjectStoreEmitter uploads records as <OutputPrefix>/<JobID>/<file name>.
type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
	JobID        string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, rec OutputRecord) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, e.JobID, rec.Path)
	if err := e.Storage.WriteObject(ctx, objectKey, rec.Contents, ContentType(rec.Path)); err != nil {
		return Output{}, err
	}

	return Output{
		Path:   objectKey,
		Size:   rec.Size,
		Bytes:  len(rec.Contents),
		Width:  rec.Width,
		Height: rec.Height,
	}, nil
}

// OutputObjectKey builds the object key for an output file of a job.
func OutputObjectKey(prefix, jobID, filePath string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), path.Base(filePath))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

// ContentType maps an output file name to its MIME type.
func ContentType(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	default:
		return "image/png"
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
