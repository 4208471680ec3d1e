package storage_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/article-enhancer/internal/hash/sha256"
	"github.com/JakeFAU/article-enhancer/internal/storage"
	"github.com/JakeFAU/article-enhancer/internal/storage/memory"
)

func TestArchiveStoresUnderArticlePrefix(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	archive, err := storage.NewArchive(blobs, sha256.New(), "/competitors/")
	require.NoError(t, err)

	uri, err := archive.Store(context.Background(), "a1", "https://competitor.example.com/post", []byte("<html></html>"))
	require.NoError(t, err)

	path, err := archive.Path("a1", "https://competitor.example.com/post")
	require.NoError(t, err)
	require.Regexp(t, `^competitors/a1/[0-9a-f]{64}\.html$`, path)
	require.Equal(t, "memory://"+path, uri)
	stored, ok := blobs.Object(path)
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(stored))
}

func TestNilArchiveDiscards(t *testing.T) {
	t.Parallel()

	archive, err := storage.NewArchive(nil, nil, "x")
	require.NoError(t, err)
	require.Nil(t, archive)
	uri, err := archive.Store(context.Background(), "a1", "https://x", []byte("x"))
	require.NoError(t, err)
	require.Empty(t, uri)
}

func TestArchiveWrapsBackendErrors(t *testing.T) {
	t.Parallel()

	archive, err := storage.NewArchive(failingStore{}, sha256.New(), "")
	require.NoError(t, err)
	_, err = archive.Store(context.Background(), "a1", "https://x", []byte("x"))
	require.ErrorContains(t, err, "bucket unavailable")
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
