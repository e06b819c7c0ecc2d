package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "pages/job-1/abc.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://pages/job-1/abc.html", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Object("pages/job-1/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "text/html", contentType)

	_, err = store.PutObject(context.Background(), " ", "text/html", payload)
	require.Error(t, err)
}
