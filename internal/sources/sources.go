// Package sources uploads the files an experiment batch runs from so that
// queued runs can be reproduced after the working tree changed.
package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/hydraqueue/internal/platform/objectstore"
)

// File is one uploaded source file.
type File struct {
	ObjectKey    string `json:"object_key" yaml:"object_key"`
	RelativePath string `json:"path" yaml:"path"`
	SHA256       string `json:"sha256" yaml:"sha256"`
	Size         int64  `json:"size" yaml:"size"`
	ETag         string `json:"etag,omitempty" yaml:"etag,omitempty"`
}

// Document renders f the way it is stored on run records.
func (f File) Document() map[string]any {
	doc := map[string]any{
		"object_key": f.ObjectKey,
		"path":       f.RelativePath,
		"sha256":     f.SHA256,
		"size":       f.Size,
	}
	if f.ETag != "" {
		doc["etag"] = f.ETag
	}
	return doc
}

type Uploader struct {
	store   objectstore.Store
	bucket  string
	logger  *slog.Logger
	timeout time.Duration
}

func New(store objectstore.Store, bucket string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{store: store, bucket: bucket, logger: logger, timeout: 10 * time.Minute}
}

// Upload stores every file under paths, which are files or directories
// relative to root, as <collection>/batch-<id>/<relative path>.
func (u *Uploader) Upload(ctx context.Context, root string, paths []string, collection string, batchID int64) ([]File, error) {
	if u == nil || u.store == nil {
		return nil, errors.New("source uploader not initialized")
	}
	if strings.TrimSpace(u.bucket) == "" {
		return nil, errors.New("sources bucket is required")
	}
	files, err := Collect(root, paths)
	if err != nil {
		return nil, err
	}
	prefix := path.Join(collection, fmt.Sprintf("batch-%d", batchID))
	out := make([]File, 0, len(files))
	for _, rel := range files {
		uploaded, err := u.put(ctx, filepath.Join(root, filepath.FromSlash(rel)), path.Join(prefix, rel))
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", rel, err)
		}
		uploaded.RelativePath = rel
		out = append(out, uploaded)
	}
	u.logger.Info("uploaded sources", "collection", collection, "batch_id", batchID, "files", len(out))
	return out, nil
}

// put hashes local before uploading it so the digest travels as object
// metadata.
func (u *Uploader) put(ctx context.Context, local, key string) (File, error) {
	f, err := os.Open(local)
	if err != nil {
		return File{}, err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return File{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return File{}, err
	}
	sum := hex.EncodeToString(hasher.Sum(nil))

	contentType := mime.TypeByExtension(filepath.Ext(local))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploadCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	stored, err := u.store.Put(uploadCtx, objectstore.Object{
		Bucket:      u.bucket,
		Key:         key,
		Body:        f,
		Size:        size,
		ContentType: contentType,
		Metadata:    map[string]string{objectstore.MetadataSHA256: sum},
	})
	if err != nil {
		return File{}, err
	}
	return File{ObjectKey: key, SHA256: sum, Size: size, ETag: stored.ETag}, nil
}

// Collect expands paths into the sorted, slash-separated list of regular
// files relative to root. Hidden directories are skipped.
func Collect(root string, paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, p)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("source path %s is outside %s", p, root)
		}
		err = filepath.WalkDir(abs, func(current string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if current != abs && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, current)
			if err != nil {
				return err
			}
			seen[filepath.ToSlash(rel)] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", p, err)
		}
	}
	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}
