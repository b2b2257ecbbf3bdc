package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "webhooks/a.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://webhooks/a.json", uri)

	payload[0] = 'C'
	obj, ok := store.Get("webhooks/a.json")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("webhooks/a.json")
	require.Equal(t, "content", string(again.Data))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)

	_, ok := store.Get("missing")
	require.False(t, ok)
}
