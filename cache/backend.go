package cache

import (
	"context"
	"time"
)

// Meta is the access metadata of one durable entry
type Meta struct {
	Key        string    `json:"key"`
	LastAccess time.Time `json:"last_access"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Backend is a durable key/value store keeping a metadata record paired with every payload
type Backend interface {
	GetPayload(ctx context.Context, key string) ([]byte, bool, error)
	ListMeta(ctx context.Context) ([]Meta, error)
	// PutEntry writes the payload and its metadata as one atomic unit
	PutEntry(ctx context.Context, key string, payload []byte, meta Meta) error
	TouchMeta(ctx context.Context, key string, lastAccess time.Time) error
	// DeleteEntries removes payloads and metadata of all keys as one atomic unit
	DeleteEntries(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	Close() error
}

// StorageEstimate is the usage of the storage medium as reported by its host
type StorageEstimate struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// UsageEstimator is implemented by backends whose host can report storage usage and quota
type UsageEstimator interface {
	// EstimateStorage returns nil if the host has no quota to report
	EstimateStorage(ctx context.Context) (*StorageEstimate, error)
}
