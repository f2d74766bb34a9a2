package demo

import (
	"fmt"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"squidcore/internal/store"
)

// MemcacheStore is a networked store.Backend over one or more
// memcached servers, adapted from the teacher's MemcachedClient.
type MemcacheStore struct {
	client *memcache.Client
	ttl    int32
	log    *zap.Logger
}

// NewMemcacheStore mirrors the teacher's NewMemcachedClient; ttl is
// seconds (max one month), or an absolute Unix time.
func NewMemcacheStore(log *zap.Logger, ttl int32, servers ...string) *MemcacheStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemcacheStore{client: memcache.New(servers...), ttl: ttl, log: log}
}

func (m *MemcacheStore) Get(key string, init store.Initializer) (*store.Entry, error) {
	e, err := m.get(key)
	if err == nil {
		return e, nil
	}
	return m.initialize(key, init)
}

func (m *MemcacheStore) Put(e *store.Entry) error {
	return m.set(e)
}

// Delete requires keys shaped like "host/bucket/key" — the same
// three-segment rule the teacher's MemcachedClient enforces, carried
// over unchanged since it is not tied to object storage specifically:
// it just rejects accidental bare cache keys.
func (m *MemcacheStore) Delete(key string) error {
	if key == "" || len(strings.Split(key, "/")) < 3 {
		return store.ErrInvalidKey
	}
	if err := m.client.Delete(key); err != nil {
		if err == memcache.ErrCacheMiss {
			return store.ErrCacheMiss
		}
		return err
	}
	return nil
}

func (m *MemcacheStore) Flush() error { return m.client.FlushAll() }

func (m *MemcacheStore) Ping() error { return m.client.Ping() }

func (m *MemcacheStore) set(e *store.Entry) error {
	if e == nil {
		return store.ErrEntryNil
	}
	if e.Key == "" {
		return store.ErrInvalidKey
	}
	serialized, err := serializeEntry(*e)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return m.client.Set(&memcache.Item{Key: e.Key, Value: serialized, Expiration: m.ttl})
}

func (m *MemcacheStore) get(key string) (*store.Entry, error) {
	if key == "" || len(strings.Split(key, "/")) < 3 {
		return nil, store.ErrInvalidKey
	}
	item, err := m.client.Get(key)
	if err != nil {
		return nil, err
	}
	e, err := deserializeEntry(item.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrDeserialization, err)
	}
	return &e, nil
}

func (m *MemcacheStore) initialize(key string, init store.Initializer) (*store.Entry, error) {
	if init == nil {
		return nil, store.ErrInitializerNil
	}
	if e, err := m.get(key); err == nil {
		return e, nil
	}
	e, err := init()
	if err != nil {
		return nil, fmt.Errorf("demo: initializer: %w", err)
	}
	if err := m.set(e); err != nil {
		return nil, err
	}
	return e, nil
}
