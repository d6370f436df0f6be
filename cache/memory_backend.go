package cache

import (
	"context"
	"sync"
	"time"

	"github.com/chessdojo/enginepool/commons"
)

// MemoryBackend keeps entries in process memory, optionally rejecting writes beyond a payload quota
type MemoryBackend struct {
	payloads   map[string][]byte
	meta       map[string]Meta
	quotaBytes int64
	mutex      sync.Mutex
}

// NewMemoryBackend creates a memory backend, quotaBytes <= 0 means no quota
func NewMemoryBackend(quotaBytes int64) *MemoryBackend {
	return &MemoryBackend{
		payloads:   map[string][]byte{},
		meta:       map[string]Meta{},
		quotaBytes: quotaBytes,
	}
}

// SetQuota changes the payload quota
func (backend *MemoryBackend) SetQuota(quotaBytes int64) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.quotaBytes = quotaBytes
}

// GetPayload returns the payload of the key
func (backend *MemoryBackend) GetPayload(ctx context.Context, key string) ([]byte, bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	payload, ok := backend.payloads[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, payload...), true, nil
}

// ListMeta returns all metadata records
func (backend *MemoryBackend) ListMeta(ctx context.Context) ([]Meta, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	metas := make([]Meta, 0, len(backend.meta))
	for _, meta := range backend.meta {
		metas = append(metas, meta)
	}
	return metas, nil
}

// PutEntry writes the payload and metadata, failing with a quota error if payloads would outgrow the quota
func (backend *MemoryBackend) PutEntry(ctx context.Context, key string, payload []byte, meta Meta) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	if backend.quotaBytes > 0 {
		usage := backend.usageLocked() - int64(len(backend.payloads[key])) + int64(len(payload))
		if usage > backend.quotaBytes {
			return commons.NewQuotaExceededError("memory backend is full")
		}
	}

	meta.Key = key
	backend.payloads[key] = append([]byte{}, payload...)
	backend.meta[key] = meta
	return nil
}

// TouchMeta refreshes the last access time of the key
func (backend *MemoryBackend) TouchMeta(ctx context.Context, key string, lastAccess time.Time) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	if meta, ok := backend.meta[key]; ok {
		meta.LastAccess = lastAccess
		backend.meta[key] = meta
	}
	return nil
}

// DeleteEntries removes the keys
func (backend *MemoryBackend) DeleteEntries(ctx context.Context, keys []string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	for _, key := range keys {
		delete(backend.payloads, key)
		delete(backend.meta, key)
	}
	return nil
}

// Clear removes all entries
func (backend *MemoryBackend) Clear(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.payloads = map[string][]byte{}
	backend.meta = map[string]Meta{}
	return nil
}

// EstimateStorage reports payload bytes against the quota
func (backend *MemoryBackend) EstimateStorage(ctx context.Context) (*StorageEstimate, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	if backend.quotaBytes <= 0 {
		return nil, nil
	}

	return &StorageEstimate{
		Usage: backend.usageLocked(),
		Quota: backend.quotaBytes,
	}, nil
}

// Close does nothing
func (backend *MemoryBackend) Close() error {
	return nil
}

func (backend *MemoryBackend) usageLocked() int64 {
	usage := int64(0)
	for _, payload := range backend.payloads {
		usage += int64(len(payload))
	}
	return usage
}
