// Package demo provides in-process and networked Backend
// implementations used by the cmd/squidcored demo binary, adapted
// from the teacher's cache.BigcacheWrapper and cache.MemcachedClient
// (_examples/sh3ffu-automatic-cache-object-storage/cache/bigcacheWrapper.go,
// memcachedClient.go).
package demo

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"squidcore/internal/store"
)

// BigcacheStore is an in-process, memory-bounded store.Backend.
type BigcacheStore struct {
	bc  *bigcache.BigCache
	log *zap.Logger
}

// NewBigcacheStore mirrors the teacher's NewBigcacheWrapper config
// literal, generalized from the hard-coded size to maxMemoryMB.
func NewBigcacheStore(log *zap.Logger, maxMemoryMB int) (*BigcacheStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := bigcache.Config{
		Shards:             32,
		LifeWindow:         10 * time.Minute,
		CleanWindow:        time.Second,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       1_000_000,
		Verbose:            false,
		HardMaxCacheSize:   maxMemoryMB,
	}
	bc, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("demo: creating bigcache instance: %w", err)
	}
	return &BigcacheStore{bc: bc, log: log}, nil
}

func (b *BigcacheStore) Get(key string, init store.Initializer) (*store.Entry, error) {
	e, err := b.get(key)
	if err == nil {
		return e, nil
	}
	if err != bigcache.ErrEntryNotFound {
		return nil, err
	}
	return b.initialize(key, init)
}

func (b *BigcacheStore) Put(e *store.Entry) error {
	return b.put(e)
}

func (b *BigcacheStore) Delete(key string) error {
	if err := b.bc.Delete(key); err != nil {
		if err == bigcache.ErrEntryNotFound {
			return store.ErrCacheMiss
		}
		return err
	}
	return nil
}

func (b *BigcacheStore) initialize(key string, init store.Initializer) (*store.Entry, error) {
	if init == nil {
		return nil, store.ErrInitializerNil
	}
	if e, err := b.get(key); err == nil {
		return e, nil
	}
	e, err := init()
	if err != nil {
		return nil, err
	}
	go func() {
		if err := b.put(e); err != nil {
			b.log.Warn("demo: background bigcache put failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return e, nil
}

func (b *BigcacheStore) put(e *store.Entry) error {
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
	return b.bc.Set(e.Key, serialized)
}

func (b *BigcacheStore) get(key string) (*store.Entry, error) {
	data, err := b.bc.Get(key)
	if err != nil {
		return nil, err
	}
	e, err := deserializeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrDeserialization, err)
	}
	return &e, nil
}

func serializeEntry(e store.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeEntry(data []byte) (store.Entry, error) {
	var e store.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return store.Entry{}, err
	}
	return e, nil
}
