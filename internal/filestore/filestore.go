package filestore

import (
	"fmt"
	"io"
	"path"
	"strings"

	"tagarela/internal/models"
)

// FileStore stores blobs under slash-separated relative paths.
type FileStore interface {
	// Save writes the content to path. It fails with models.ErrConflict when
	// the path is already taken.
	Save(r io.Reader, path string) (int64, error)

	// Open returns the content stored at path.
	Open(path string) (io.ReadCloser, error)

	// Delete removes the blob at path. Missing blobs are not an error.
	Delete(path string) error
}

// CleanPath validates a blob path: relative, slash-separated, no dot
// segments and no empty segments.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", models.Validationf("invalid path %q", p)
	}
	if path.Clean(p) != p {
		return "", models.Validationf("invalid path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", models.Validationf("invalid path %q", p)
		}
	}
	return p, nil
}

// MediaPath builds the {ownerId}/{messageId}.{ext} key of a message attachment.
func MediaPath(ownerID, messageID, ext string) (string, error) {
	return CleanPath(fmt.Sprintf("%s/%s.%s", ownerID, messageID, ext))
}

// Owner returns the first segment of a blob path.
func Owner(p string) string {
	owner, _, _ := strings.Cut(p, "/")
	return owner
}
