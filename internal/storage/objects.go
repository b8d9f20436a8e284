package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/store"
)

var _ store.ObjectStore = (*MemoryObjects)(nil)

// MemoryObjects is an ObjectStore backed by a map, for local mode and tests.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjects constructs an empty object store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// Put stores the reader's bytes under key.
func (o *MemoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "read object %s", key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

// Get returns the bytes stored under key.
func (o *MemoryObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len reports how many objects are stored.
func (o *MemoryObjects) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}
