package objectstore

import (
	"context"
	"io"
)

// MetadataSHA256 is the user metadata key carrying the hex sha256 of an
// uploaded source file.
const MetadataSHA256 = "sha256"

// Object is one upload. Body must yield exactly Size bytes.
type Object struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Stored is what the bucket reports for a finished upload.
type Stored struct {
	ETag      string
	VersionID string
}

type Store interface {
	Put(ctx context.Context, obj Object) (Stored, error)
}
