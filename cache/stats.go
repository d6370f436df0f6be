package cache

import (
	"context"
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
)

const (
	// avgEntryBytesDefault is assumed for the capacity estimate while the cache is empty
	avgEntryBytesDefault float64 = 3072
	// storageBudgetFraction is the share of remaining storage quota the cache counts on
	storageBudgetFraction float64 = 0.8
)

// Stats is a snapshot of cache health
type Stats struct {
	Name            string  `json:"name"`
	EntryCount      int     `json:"entry_count"`
	TotalBytes      int64   `json:"total_bytes"`
	MaxBytes        int64   `json:"max_bytes"`
	UsedPercent     float64 `json:"used_percent"`
	StorageUsage    *int64  `json:"storage_usage,omitempty"`
	StorageQuota    *int64  `json:"storage_quota,omitempty"`
	MaxEntries      int64   `json:"max_entries"`
	VolatileEntries int     `json:"volatile_entries"`
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	Evictions       uint64  `json:"evictions"`
}

// String summarizes the stats in human units
func (stats *Stats) String() string {
	return humanize.Comma(int64(stats.EntryCount)) + " entries, " +
		humanize.IBytes(uint64(stats.TotalBytes)) + " of " + humanize.IBytes(uint64(stats.MaxBytes)) +
		" (" + humanize.FtoaWithDigits(stats.UsedPercent, 2) + "%), room for about " +
		humanize.Comma(stats.MaxEntries) + " entries"
}

// Stats returns entry count, tracked bytes, budget use, storage usage if the backend reports it, and an estimated capacity
func (cache *TieredCache[V]) Stats(ctx context.Context) (*Stats, error) {
	metas, err := cache.backend.ListMeta(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to list metadata of cache %q: %w", cache.config.Name, err)
	}

	totalBytes := int64(0)
	for _, meta := range metas {
		totalBytes += meta.SizeBytes
	}

	avgEntryBytes := avgEntryBytesDefault
	if len(metas) > 0 {
		avgEntryBytes = float64(totalBytes) / float64(len(metas))
	}

	cache.statMutex.Lock()
	stats := &Stats{
		Name:            cache.config.Name,
		EntryCount:      len(metas),
		TotalBytes:      totalBytes,
		MaxBytes:        cache.config.MaxBytes,
		UsedPercent:     float64(totalBytes) / float64(cache.config.MaxBytes) * 100,
		MaxEntries:      int64(math.Floor(float64(cache.config.MaxBytes) / avgEntryBytes)),
		VolatileEntries: cache.volatile.Len(),
		Hits:            cache.hits,
		Misses:          cache.misses,
		Evictions:       cache.evictions,
	}
	cache.statMutex.Unlock()

	if estimator, ok := cache.backend.(UsageEstimator); ok {
		estimate, err := estimator.EstimateStorage(ctx)
		if err != nil {
			return nil, xerrors.Errorf("failed to estimate storage of cache %q: %w", cache.config.Name, err)
		}

		if estimate != nil {
			stats.StorageUsage = &estimate.Usage
			stats.StorageQuota = &estimate.Quota

			remaining := float64(estimate.Quota - estimate.Usage)
			effectiveBudget := math.Min(float64(cache.config.MaxBytes), remaining*storageBudgetFraction)
			stats.MaxEntries = int64(math.Max(0, math.Floor(effectiveBudget/avgEntryBytes)))
		}
	}

	return stats, nil
}
