package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type staticIDs struct {
	id  string
	err error
}

func (s staticIDs) NewID() (string, error) { return s.id, s.err }

type brokenStore struct{}

func (brokenStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket missing")
}

func TestSaveWritesDatedObject(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := fixedClock{t: time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))}
	a := New(store, "/raw/", clock, staticIDs{id: "abc"}, zap.NewNop())

	uri, err := a.Save(context.Background(), []byte(`{"entry":[]}`))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/2024/03/02/abc.json", uri)

	obj, ok := store.Get("raw/2024/03/02/abc.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.JSONEq(t, `{"entry":[]}`, string(obj.Data))
}

func TestSaveDefaultsPrefix(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := New(store, "", fixedClock{t: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, staticIDs{id: "x"}, nil)

	_, err := a.Save(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"webhooks/2024/01/02/x.json"}, store.Paths())
}

func TestSaveReportsFailures(t *testing.T) {
	t.Parallel()

	clock := fixedClock{t: time.Now()}

	_, err := New(brokenStore{}, "", clock, staticIDs{id: "x"}, nil).Save(context.Background(), []byte("{}"))
	require.ErrorContains(t, err, "bucket missing")

	_, err = New(memory.NewBlobStore(), "", clock, staticIDs{err: errors.New("entropy")}, nil).Save(context.Background(), []byte("{}"))
	require.ErrorContains(t, err, "archive id")
}
