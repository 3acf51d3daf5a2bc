package storage

import (
	"context"
	"sync"

	"github.com/ruteri/tkey-engine/interfaces"
)

// MemoryBackend keeps blobs in process memory. Used by tests and single-process setups.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[interfaces.ContentID][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[interfaces.ContentID][]byte)}
}

func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[id]; !ok {
		b.blobs[id] = append([]byte(nil), data...)
	}
	return id, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://"
}
