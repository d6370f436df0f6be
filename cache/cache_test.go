package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now   time.Time
	mutex sync.Mutex
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Now advances one second on every call
func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	clock.now = clock.now.Add(time.Second)
	return clock.now
}

// sized returns a string value whose JSON encoding is exactly n bytes
func sized(n int) string {
	return strings.Repeat("a", n-2)
}

type testEntry struct {
	Moves []string `json:"moves,omitempty"`
	PV    []string `json:"pv,omitempty"`
}

func mergeTestEntry(existing testEntry, incoming testEntry) testEntry {
	merged := existing
	if len(incoming.Moves) > 0 {
		merged.Moves = incoming.Moves
	}
	if len(incoming.PV) > 0 {
		merged.PV = incoming.PV
	}
	return merged
}

func newStringCache(t *testing.T, backend Backend, maxBytes int64, clock *testClock) *TieredCache[string] {
	t.Helper()

	cache, err := NewTieredCache[string](Config{
		Name:             "test",
		MaxBytes:         maxBytes,
		EvictionFraction: 0.2,
		VolatileEntries:  64,
		Now:              clock.Now,
	}, backend, nil)
	require.NoError(t, err)
	return cache
}

func metaKeys(t *testing.T, backend Backend) []string {
	t.Helper()

	metas, err := backend.ListMeta(context.Background())
	require.NoError(t, err)

	keys := []string{}
	for _, meta := range metas {
		keys = append(keys, meta.Key)
	}
	sort.Strings(keys)
	return keys
}

func TestNewTieredCacheValidation(t *testing.T) {
	_, err := NewTieredCache[string](Config{Name: "bad", MaxBytes: 0, EvictionFraction: 0.2}, NewMemoryBackend(0), nil)
	assert.Error(t, err)

	_, err = NewTieredCache[string](Config{Name: "bad", MaxBytes: 100, EvictionFraction: 1.5}, NewMemoryBackend(0), nil)
	assert.Error(t, err)
}

func TestTieredCacheMerge(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(0)

	cache, err := NewTieredCache[testEntry](Config{
		Name:             "cloud",
		MaxBytes:         1024 * 1024,
		EvictionFraction: 0.2,
	}, backend, mergeTestEntry)
	require.NoError(t, err)

	require.NoError(t, cache.Put(ctx, "pos", testEntry{Moves: []string{"e2e4", "d2d4"}}))
	require.NoError(t, cache.Put(ctx, "pos", testEntry{PV: []string{"e2e4", "e7e5"}}))

	value, ok := cache.Get(ctx, "pos")
	require.True(t, ok)
	assert.Equal(t, []string{"e2e4", "d2d4"}, value.Moves)
	assert.Equal(t, []string{"e2e4", "e7e5"}, value.PV)

	// the durable tier holds the merge as well
	fresh, err := NewTieredCache[testEntry](Config{Name: "cloud", MaxBytes: 1024 * 1024, EvictionFraction: 0.2}, backend, mergeTestEntry)
	require.NoError(t, err)

	value, ok = fresh.Get(ctx, "pos")
	require.True(t, ok)
	assert.Equal(t, []string{"e2e4", "d2d4"}, value.Moves)
	assert.Equal(t, []string{"e2e4", "e7e5"}, value.PV)
}

// hookBackend runs afterRead once, right after the next payload read
type hookBackend struct {
	*MemoryBackend
	afterRead func()
	mutex     sync.Mutex
}

func (backend *hookBackend) GetPayload(ctx context.Context, key string) ([]byte, bool, error) {
	payload, ok, err := backend.MemoryBackend.GetPayload(ctx, key)

	backend.mutex.Lock()
	afterRead := backend.afterRead
	backend.afterRead = nil
	backend.mutex.Unlock()

	if afterRead != nil {
		afterRead()
	}
	return payload, ok, err
}

func TestTieredCacheGetDoesNotOverwriteNewerPut(t *testing.T) {
	ctx := context.Background()
	backend := &hookBackend{MemoryBackend: NewMemoryBackend(0)}
	config := Config{Name: "cloud", MaxBytes: 1024 * 1024, EvictionFraction: 0.2}

	writer, err := NewTieredCache[testEntry](config, backend, mergeTestEntry)
	require.NoError(t, err)
	require.NoError(t, writer.Put(ctx, "pos", testEntry{Moves: []string{"e2e4"}}))

	// a fresh cache misses its volatile tier and reads the durable one
	cache, err := NewTieredCache[testEntry](config, backend, mergeTestEntry)
	require.NoError(t, err)

	backend.afterRead = func() {
		require.NoError(t, cache.Put(ctx, "pos", testEntry{PV: []string{"e2e4", "e7e5"}}))
	}

	value, ok := cache.Get(ctx, "pos")
	require.True(t, ok)
	assert.Equal(t, []string{"e2e4"}, value.Moves)

	value, ok = cache.Get(ctx, "pos")
	require.True(t, ok)
	assert.Equal(t, []string{"e2e4"}, value.Moves)
	assert.Equal(t, []string{"e2e4", "e7e5"}, value.PV)
}

func TestTieredCacheEvictsOldestOnBudget(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(0)

	for _, entry := range []struct {
		key  string
		size int
	}{
		{key: "E1", size: 400},
		{key: "E2", size: 400},
		{key: "E3", size: 300},
	} {
		payload := []byte(`"` + sized(entry.size) + `"`)
		require.Len(t, payload, entry.size)
		require.NoError(t, backend.PutEntry(ctx, entry.key, payload, Meta{LastAccess: clock.Now(), SizeBytes: int64(entry.size)}))
	}

	cache := newStringCache(t, backend, 1000, clock)

	require.NoError(t, cache.Put(ctx, "E4", sized(200)))

	assert.Equal(t, []string{"E2", "E3", "E4"}, metaKeys(t, backend))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EntryCount)
	assert.Equal(t, int64(900), stats.TotalBytes)
	assert.Equal(t, uint64(1), stats.Evictions)

	_, ok := cache.Get(ctx, "E1")
	assert.False(t, ok)

	value, ok := cache.Get(ctx, "E4")
	require.True(t, ok)
	assert.Equal(t, sized(200), value)
}

func TestTieredCacheGetProtectsFromEviction(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(0)
	cache := newStringCache(t, backend, 1000, clock)

	require.NoError(t, cache.Put(ctx, "E1", sized(300)))
	require.NoError(t, cache.Put(ctx, "E2", sized(300)))
	require.NoError(t, cache.Put(ctx, "E3", sized(300)))

	// reading E1 makes E2 the least recently accessed
	_, ok := cache.Get(ctx, "E1")
	require.True(t, ok)

	require.NoError(t, cache.Put(ctx, "E4", sized(200)))
	assert.Equal(t, []string{"E1", "E3", "E4"}, metaKeys(t, backend))

	// evicted entries leave the volatile tier too
	_, ok = cache.Get(ctx, "E2")
	assert.False(t, ok)
}

func TestTieredCacheReplaceCountsOldSize(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(0)
	cache := newStringCache(t, backend, 1000, clock)

	require.NoError(t, cache.Put(ctx, "E1", sized(400)))
	require.NoError(t, cache.Put(ctx, "E2", sized(500)))

	// replacing E2 with a value of the same size stays within budget
	require.NoError(t, cache.Put(ctx, "E2", sized(500)))
	assert.Equal(t, []string{"E1", "E2"}, metaKeys(t, backend))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Evictions)
}

func TestTieredCacheGetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(0)
	cache := newStringCache(t, backend, 1000, clock)

	require.NoError(t, cache.Put(ctx, "pos", "payload"))

	metasBefore, err := backend.ListMeta(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		value, ok := cache.Get(ctx, "pos")
		require.True(t, ok)
		assert.Equal(t, "payload", value)
	}

	metasAfter, err := backend.ListMeta(ctx)
	require.NoError(t, err)
	require.Len(t, metasAfter, 1)
	assert.True(t, metasAfter[0].LastAccess.After(metasBefore[0].LastAccess))
	assert.Equal(t, metasBefore[0].SizeBytes, metasAfter[0].SizeBytes)

	_, ok := cache.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestTieredCacheQuotaRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(1000)
	cache := newStringCache(t, backend, 1024*1024, clock)

	require.NoError(t, cache.Put(ctx, "a", sized(300)))
	require.NoError(t, cache.Put(ctx, "b", sized(300)))
	require.NoError(t, cache.Put(ctx, "c", sized(300)))

	// 1100 bytes exceed the quota, 3x eviction removes ceil(3 * 0.6) = 2 entries
	require.NoError(t, cache.Put(ctx, "d", sized(200)))

	value, ok := cache.Get(ctx, "d")
	require.True(t, ok)
	assert.Equal(t, sized(200), value)
	assert.Equal(t, []string{"c", "d"}, metaKeys(t, backend))
}

func TestTieredCacheQuotaRetryFails(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(1000)
	cache := newStringCache(t, backend, 1024*1024, clock)

	require.NoError(t, cache.Put(ctx, "a", sized(300)))

	// no eviction can make room, the failure is swallowed
	require.NoError(t, cache.Put(ctx, "huge", sized(1200)))

	_, ok := cache.Get(ctx, "huge")
	assert.False(t, ok)

	payload, ok, err := backend.GetPayload(ctx, "huge")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)
	assert.NotContains(t, metaKeys(t, backend), "huge")
}

func TestTieredCacheClear(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := NewMemoryBackend(0)
	cache := newStringCache(t, backend, 1000, clock)

	require.NoError(t, cache.Put(ctx, "a", sized(100)))
	require.NoError(t, cache.Put(ctx, "b", sized(100)))

	require.NoError(t, cache.Clear(ctx))

	_, ok := cache.Get(ctx, "a")
	assert.False(t, ok)
	assert.Empty(t, metaKeys(t, backend))

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, 0, stats.VolatileEntries)
}

func TestTieredCacheStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()

	backend := NewMemoryBackend(0)
	cache := newStringCache(t, backend, 30720, clock)

	stats, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.MaxEntries)
	assert.Nil(t, stats.StorageUsage)
	assert.Nil(t, stats.StorageQuota)

	cache = newStringCache(t, backend, 1000, clock)
	require.NoError(t, cache.Put(ctx, "a", sized(100)))
	require.NoError(t, cache.Put(ctx, "b", sized(300)))

	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, int64(400), stats.TotalBytes)
	assert.Equal(t, int64(1000), stats.MaxBytes)
	assert.InDelta(t, 40.0, stats.UsedPercent, 0.001)
	assert.Equal(t, int64(5), stats.MaxEntries)
	assert.NotEmpty(t, stats.String())

	// 80% of the remaining quota caps the estimate
	backend.SetQuota(1000)
	stats, err = cache.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.StorageUsage)
	require.NotNil(t, stats.StorageQuota)
	assert.Equal(t, int64(400), *stats.StorageUsage)
	assert.Equal(t, int64(1000), *stats.StorageQuota)
	assert.Equal(t, int64(2), stats.MaxEntries)
}
