package demo

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/daangn/minimemcached"
	"github.com/stretchr/testify/require"

	"squidcore/internal/store"
)

func newTestMemcache(t *testing.T) *MemcacheStore {
	t.Helper()
	cfg := &minimemcached.Config{Port: 11212}
	mm, err := minimemcached.Run(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { mm.Close() })

	return NewMemcacheStore(nil, 120, "localhost:11212")
}

func TestMemcacheStorePutThenGetRoundTrips(t *testing.T) {
	m := newTestMemcache(t)
	e := &store.Entry{Key: "origin.example/cache/key1", Status: 200, Header: http.Header{"X-A": []string{"1"}}, Body: []byte("hello")}

	require.NoError(t, m.Put(e))

	got, err := m.Get("origin.example/cache/key1", func() (*store.Entry, error) {
		return nil, fmt.Errorf("should not initialize")
	})
	require.NoError(t, err)
	require.Equal(t, "hello", string(got.Body))
	require.Equal(t, "1", got.Header.Get("X-A"))
}

func TestMemcacheStoreGetMissInitializes(t *testing.T) {
	m := newTestMemcache(t)

	called := false
	e, err := m.Get("origin.example/cache/key2", func() (*store.Entry, error) {
		called = true
		return &store.Entry{Key: "origin.example/cache/key2", Body: []byte("fresh")}, nil
	})

	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "fresh", string(e.Body))
}

func TestMemcacheStorePutRejectsNilEntry(t *testing.T) {
	m := newTestMemcache(t)
	require.ErrorIs(t, m.Put(nil), store.ErrEntryNil)
}

func TestMemcacheStoreDeleteRejectsShortKey(t *testing.T) {
	m := newTestMemcache(t)
	require.ErrorIs(t, m.Delete("origin.example/cache"), store.ErrInvalidKey)
}

func TestMemcacheStoreDeleteMissingKeyReportsCacheMiss(t *testing.T) {
	m := newTestMemcache(t)
	err := m.Delete("origin.example/cache/missing")
	require.ErrorIs(t, err, store.ErrCacheMiss)
}

func TestMemcacheStoreInitializerErrorPropagates(t *testing.T) {
	m := newTestMemcache(t)
	wantErr := errors.New("boom")

	_, err := m.Get("origin.example/cache/key3", func() (*store.Entry, error) {
		return nil, wantErr
	})

	require.Error(t, err)
	require.ErrorIs(t, err, wantErr)
}
