package cache

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chessdojo/enginepool/commons"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	aggressiveEvictionMultiplier float64 = 3
	volatileEntriesMin           int     = 16
)

// MergeFunc combines an incoming value with the stored one
type MergeFunc[V any] func(existing V, incoming V) V

// Config configures a tiered cache
type Config struct {
	Name             string
	MaxBytes         int64
	EvictionFraction float64
	VolatileEntries  int
	// Now is the clock used for access times, time.Now if nil
	Now func() time.Time
}

// TieredCache is a volatile LRU map in front of a durable store, with a byte budget enforced on the durable store
type TieredCache[V any] struct {
	config   Config
	backend  Backend
	volatile *lru.Cache[string, V]
	merge    MergeFunc[V]

	hits      uint64
	misses    uint64
	evictions uint64

	// generation advances on every write, guarded by writeMutex
	generation uint64
	writeMutex sync.Mutex // serializes measure, evict and write
	statMutex  sync.Mutex
}

// NewTieredCache creates a tiered cache over the backend, merge may be nil to replace values
func NewTieredCache[V any](config Config, backend Backend, merge MergeFunc[V]) (*TieredCache[V], error) {
	if config.MaxBytes <= 0 {
		return nil, commons.NewConfigurationErrorf("max bytes of cache %q must be positive", config.Name)
	}

	if config.EvictionFraction <= 0 || config.EvictionFraction > 1 {
		return nil, commons.NewConfigurationErrorf("eviction fraction of cache %q must be in (0, 1]", config.Name)
	}

	if config.VolatileEntries < volatileEntriesMin {
		config.VolatileEntries = volatileEntriesMin
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	volatile, err := lru.New[string, V](config.VolatileEntries)
	if err != nil {
		return nil, xerrors.Errorf("failed to create volatile tier of cache %q: %w", config.Name, err)
	}

	return &TieredCache[V]{
		config:   config,
		backend:  backend,
		volatile: volatile,
		merge:    merge,
	}, nil
}

// GetName returns cache name
func (cache *TieredCache[V]) GetName() string {
	return cache.config.Name
}

// Get returns the value of the key, refreshing its access time. Failures are logged and reported as absent.
func (cache *TieredCache[V]) Get(ctx context.Context, key string) (V, bool) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "TieredCache",
		"function": "Get",
	})

	var zero V

	if value, ok := cache.volatile.Get(key); ok {
		cache.touch(ctx, key)
		cache.countHit(true)
		return value, true
	}

	cache.writeMutex.Lock()
	generation := cache.generation
	cache.writeMutex.Unlock()

	payload, ok, err := cache.backend.GetPayload(ctx, key)
	if err != nil {
		logger.Warnf("Failed to read %q from cache %q: %+v", key, cache.config.Name, err)
		cache.countHit(false)
		return zero, false
	}

	if !ok {
		cache.countHit(false)
		return zero, false
	}

	var value V
	err = json.Unmarshal(payload, &value)
	if err != nil {
		logger.Warnf("Failed to decode %q from cache %q: %+v", key, cache.config.Name, err)
		cache.countHit(false)
		return zero, false
	}

	cache.touch(ctx, key)

	// a write since the read may have stored a newer value
	cache.writeMutex.Lock()
	if cache.generation == generation {
		cache.volatile.Add(key, value)
	}
	cache.writeMutex.Unlock()

	cache.countHit(true)
	return value, true
}

func (cache *TieredCache[V]) touch(ctx context.Context, key string) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "TieredCache",
		"function": "touch",
	})

	err := cache.backend.TouchMeta(ctx, key, cache.config.Now())
	if err != nil {
		logger.Debugf("Failed to refresh access time of %q in cache %q: %v", key, cache.config.Name, err)
	}
}

func (cache *TieredCache[V]) countHit(hit bool) {
	cache.statMutex.Lock()
	defer cache.statMutex.Unlock()

	if hit {
		cache.hits++
	} else {
		cache.misses++
	}
}

// Put merges the value into the stored one and writes it, evicting least recently accessed entries to stay in budget.
// A write rejected for quota is retried once after an aggressive eviction, then abandoned without error.
func (cache *TieredCache[V]) Put(ctx context.Context, key string, value V) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "TieredCache",
		"function": "Put",
	})

	cache.writeMutex.Lock()
	defer cache.writeMutex.Unlock()

	cache.generation++

	merged := value
	if cache.merge != nil {
		existingPayload, ok, err := cache.backend.GetPayload(ctx, key)
		if err != nil {
			return xerrors.Errorf("failed to read %q from cache %q: %w", key, cache.config.Name, err)
		}

		if ok {
			var existing V
			err = json.Unmarshal(existingPayload, &existing)
			if err != nil {
				logger.Warnf("Failed to decode %q from cache %q, replacing it: %+v", key, cache.config.Name, err)
			} else {
				merged = cache.merge(existing, value)
			}
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return xerrors.Errorf("failed to encode %q for cache %q: %w", key, cache.config.Name, err)
	}

	sizeBytes := int64(len(payload))

	metas, err := cache.backend.ListMeta(ctx)
	if err != nil {
		return xerrors.Errorf("failed to list metadata of cache %q: %w", cache.config.Name, err)
	}

	totalBytes := int64(0)
	oldSizeBytes := int64(0)
	for _, meta := range metas {
		totalBytes += meta.SizeBytes
		if meta.Key == key {
			oldSizeBytes = meta.SizeBytes
		}
	}

	if totalBytes-oldSizeBytes+sizeBytes > cache.config.MaxBytes {
		_, err = cache.evict(ctx, metas, key, cache.config.EvictionFraction)
		if err != nil {
			return xerrors.Errorf("failed to evict entries of cache %q: %w", cache.config.Name, err)
		}
	}

	meta := Meta{
		Key:        key,
		LastAccess: cache.config.Now(),
		SizeBytes:  sizeBytes,
	}

	err = cache.backend.PutEntry(ctx, key, payload, meta)
	if err != nil {
		if !commons.IsQuotaExceededError(err) {
			return xerrors.Errorf("failed to write %q to cache %q: %w", key, cache.config.Name, err)
		}

		logger.Warnf("Storage of cache %q is full, evicting aggressively and retrying", cache.config.Name)

		metas, err = cache.backend.ListMeta(ctx)
		if err != nil {
			logger.Errorf("Failed to list metadata of cache %q: %+v", cache.config.Name, err)
			return nil
		}

		fraction := math.Min(1, cache.config.EvictionFraction*aggressiveEvictionMultiplier)
		_, err = cache.evict(ctx, metas, key, fraction)
		if err != nil {
			logger.Errorf("Failed to evict entries of cache %q: %+v", cache.config.Name, err)
			return nil
		}

		err = cache.backend.PutEntry(ctx, key, payload, meta)
		if err != nil {
			logger.Errorf("Could not store %q in cache %q after aggressive eviction: %+v", key, cache.config.Name, err)
			return nil
		}
	}

	cache.volatile.Add(key, merged)
	return nil
}

// evict removes the least recently accessed ceil(count * fraction) entries, at least one, other than the key being written
func (cache *TieredCache[V]) evict(ctx context.Context, metas []Meta, writingKey string, fraction float64) ([]string, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "TieredCache",
		"function": "evict",
	})

	candidates := make([]Meta, 0, len(metas))
	for _, meta := range metas {
		if meta.Key != writingKey {
			candidates = append(candidates, meta)
		}
	}

	if len(candidates) == 0 {
		return []string{}, nil
	}

	sort.SliceStable(candidates, func(i int, j int) bool {
		if candidates[i].LastAccess.Equal(candidates[j].LastAccess) {
			return candidates[i].Key < candidates[j].Key
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	count := int(math.Ceil(float64(len(metas)) * fraction))
	if count < 1 {
		count = 1
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	keys := make([]string, 0, count)
	evictedBytes := int64(0)
	for _, meta := range candidates[:count] {
		keys = append(keys, meta.Key)
		evictedBytes += meta.SizeBytes
	}

	err := cache.backend.DeleteEntries(ctx, keys)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		cache.volatile.Remove(key)
	}

	cache.statMutex.Lock()
	cache.evictions += uint64(len(keys))
	cache.statMutex.Unlock()

	logger.Infof("Evicted %d entries (%d bytes) from cache %q", len(keys), evictedBytes, cache.config.Name)
	return keys, nil
}

// Clear removes every entry from both tiers
func (cache *TieredCache[V]) Clear(ctx context.Context) error {
	cache.writeMutex.Lock()
	defer cache.writeMutex.Unlock()

	cache.generation++
	cache.volatile.Purge()

	err := cache.backend.Clear(ctx)
	if err != nil {
		return xerrors.Errorf("failed to clear cache %q: %w", cache.config.Name, err)
	}
	return nil
}

// Release closes the durable store
func (cache *TieredCache[V]) Release() error {
	cache.volatile.Purge()
	return cache.backend.Close()
}
