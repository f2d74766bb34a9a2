package demo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"squidcore/internal/store"
)

func newTestBigcache(t *testing.T) *BigcacheStore {
	t.Helper()
	b, err := NewBigcacheStore(nil, 64)
	require.NoError(t, err)
	return b
}

func TestBigcacheStorePutThenGetRoundTrips(t *testing.T) {
	b := newTestBigcache(t)
	e := &store.Entry{Key: "k1", Status: 200, Body: []byte("payload")}

	require.NoError(t, b.Put(e))

	got, err := b.Get("k1", func() (*store.Entry, error) {
		return nil, fmt.Errorf("should not initialize")
	})
	require.NoError(t, err)
	require.Equal(t, "payload", string(got.Body))
}

func TestBigcacheStoreMissRunsInitializer(t *testing.T) {
	b := newTestBigcache(t)

	e, err := b.Get("missing", func() (*store.Entry, error) {
		return &store.Entry{Key: "missing", Body: []byte("fresh")}, nil
	})

	require.NoError(t, err)
	require.Equal(t, "fresh", string(e.Body))
}

func TestBigcacheStorePutRejectsEmptyKey(t *testing.T) {
	b := newTestBigcache(t)
	require.ErrorIs(t, b.Put(&store.Entry{}), store.ErrInvalidKey)
}

func TestBigcacheStoreDeleteMissingReportsCacheMiss(t *testing.T) {
	b := newTestBigcache(t)
	err := b.Delete("nope")
	require.ErrorIs(t, err, store.ErrCacheMiss)
}
