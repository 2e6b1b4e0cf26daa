// Package imagestore is the durable destination for finished images.
// The metadata string rides along as a sidecar (filesystem) or object
// metadata (S3).
package imagestore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type Store interface {
	Put(ctx context.Context, name string, image []byte, metadata string) error
}

// New builds a store from a URI: file:///path, a bare path, or
// s3://bucket/prefix.
func New(uri string) (Store, error) {
	if !strings.Contains(uri, "://") {
		return NewFileStore(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path)
	case "s3":
		return NewS3Store(u.Host, strings.TrimPrefix(u.Path, "/")), nil
	}
	return nil, fmt.Errorf("unsupported image store scheme: %s", u.Scheme)
}
