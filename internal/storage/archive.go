// Package storage archives fetched competitor pages to a blob backend.
// Backends live in the memory, local, gcs and s3 subpackages.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Hasher derives a stable key from bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archive stores competitor HTML under <prefix>/<articleID>/<hash(url)>.html.
type Archive struct {
	store  BlobStore
	hasher Hasher
	prefix string
}

// NewArchive builds an Archive. A nil store yields a nil Archive, which
// accepts and discards every page.
func NewArchive(store BlobStore, hasher Hasher, prefix string) (*Archive, error) {
	if store == nil {
		return nil, nil
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	return &Archive{store: store, hasher: hasher, prefix: strings.Trim(prefix, "/")}, nil
}

// Path returns the object path for a page.
func (a *Archive) Path(articleID, pageURL string) (string, error) {
	key, err := a.hasher.Hash([]byte(pageURL))
	if err != nil {
		return "", fmt.Errorf("hash page url: %w", err)
	}
	if a.prefix == "" {
		return fmt.Sprintf("%s/%s.html", articleID, key), nil
	}
	return fmt.Sprintf("%s/%s/%s.html", a.prefix, articleID, key), nil
}

// Store archives body and returns the object URI.
func (a *Archive) Store(ctx context.Context, articleID, pageURL string, body []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	path, err := a.Path(articleID, pageURL)
	if err != nil {
		return "", err
	}
	uri, err := a.store.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return uri, nil
}
