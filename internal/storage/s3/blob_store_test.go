package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		gotPath     string
		gotBody     string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = string(body)
		contentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	store, err := New(client, "archive")
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "competitors/a1/abc.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "s3://archive/competitors/a1/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/archive/competitors/a1/abc.html", gotPath)
	require.Contains(t, gotBody, "<html></html>")
	require.Equal(t, "text/html", contentType)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "bucket")
	require.Error(t, err)
	_, err = New(s3.New(s3.Options{Region: "us-east-1"}), "")
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "archive"}
	_, err := store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
