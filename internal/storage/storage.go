// Package storage defines the blob store that holds raw Evidence bytes. Backends
// live in the memory, local and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrObjectNotFound is returned by GetObject for unknown URIs.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore persists immutable objects and returns a URI that GetObject accepts.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// EvidencePath is the content-addressed object path of an Evidence body.
func EvidencePath(contentHash string) string {
	if len(contentHash) < 4 {
		return "evidence/" + contentHash
	}
	return fmt.Sprintf("evidence/%s/%s/%s", contentHash[:2], contentHash[2:4], contentHash)
}

// TrimScheme strips "scheme://" from uri and reports whether the scheme matched.
func TrimScheme(uri, scheme string) (string, bool) {
	prefix := scheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}
