package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chessdojo/enginepool/cache"
	"github.com/chessdojo/enginepool/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fenStart   string = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	fenAfterE4 string = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
)

type fakeChessDB struct {
	responses map[string]string
	requests  map[string]int
	boards    []string
	mutex     sync.Mutex
}

func newFakeChessDB(t *testing.T, responses map[string]string) (*fakeChessDB, *httptest.Server) {
	fake := &fakeChessDB{
		responses: responses,
		requests:  map[string]int{},
		boards:    []string{},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Query().Get("action")

		fake.mutex.Lock()
		fake.requests[action]++
		fake.boards = append(fake.boards, r.URL.Query().Get("board"))
		response, ok := fake.responses[action]
		fake.mutex.Unlock()

		if !ok {
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	return fake, server
}

func (fake *fakeChessDB) count(action string) int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return fake.requests[action]
}

func TestQueryAllNormalizesScores(t *testing.T) {
	fake, server := newFakeChessDB(t, map[string]string{
		"queryall": `{"status":"ok","moves":[
			{"uci":"e7e5","san":"e5","score":-25,"rank":2,"note":"! (24-00)","winrate":"48.12"},
			{"uci":"c7c5","san":"c5","score":"??","rank":1,"note":"* (10-02)","winrate":""},
			{"uci":"f7f6","san":"f6","score":-150,"rank":0,"note":"? (02-10)","winrate":"30.00"}]}`,
	})

	lookup := NewChessDBLookup(server.URL, time.Second, time.Minute)

	moves, err := lookup.QueryAll(context.Background(), fenAfterE4)
	require.NoError(t, err)
	require.Len(t, moves, 3)

	// black to move, scores flip to White's side
	assert.Equal(t, Move{UCI: "e7e5", SAN: "e5", Score: "0.25", Winrate: "48.12", Rank: "2", Note: "Best"}, moves[0])
	assert.Equal(t, "N/A", moves[1].Score)
	assert.Equal(t, "N/A", moves[1].Winrate)
	assert.Equal(t, "Good", moves[1].Note)
	assert.Equal(t, "1.50", moves[2].Score)
	assert.Equal(t, "Bad", moves[2].Note)

	assert.Equal(t, 1, fake.count("queryall"))
	assert.Equal(t, fenAfterE4, fake.boards[0])
}

func TestQueryAllQueuesUnknownPosition(t *testing.T) {
	fake, server := newFakeChessDB(t, map[string]string{
		"queryall": `{"status":"unknown"}`,
		"queue":    `{"status":"ok"}`,
	})

	lookup := NewChessDBLookup(server.URL, time.Second, time.Minute)

	_, err := lookup.QueryAll(context.Background(), fenStart)
	require.Error(t, err)
	assert.True(t, commons.IsCloudUnavailableError(err))
	assert.Equal(t, 1, fake.count("queue"))

	// queued once per dedupe window
	_, err = lookup.QueryAll(context.Background(), fenStart)
	require.Error(t, err)
	assert.Equal(t, 2, fake.count("queryall"))
	assert.Equal(t, 1, fake.count("queue"))
}

func TestQueryPV(t *testing.T) {
	_, server := newFakeChessDB(t, map[string]string{
		"querypv": `{"status":"ok","score":36,"depth":31,"pv":["e2e4","e7e5"],"pvSAN":["e4","e5"]}`,
	})

	lookup := NewChessDBLookup(server.URL, time.Second, time.Minute)

	pv, err := lookup.QueryPV(context.Background(), fenStart)
	require.NoError(t, err)
	assert.Equal(t, &PV{Score: 36, Depth: 31, PV: []string{"e2e4", "e7e5"}, PVSAN: []string{"e4", "e5"}}, pv)
}

func TestLookupRejectsInvalidFEN(t *testing.T) {
	fake, server := newFakeChessDB(t, map[string]string{})
	lookup := NewChessDBLookup(server.URL, time.Second, time.Minute)

	_, err := lookup.QueryAll(context.Background(), "not a fen")
	assert.True(t, commons.IsConfigurationError(err))

	err = lookup.Queue(context.Background(), "")
	assert.True(t, commons.IsConfigurationError(err))

	assert.Equal(t, 0, fake.count("queryall"))
}

func TestMergeEntry(t *testing.T) {
	moves := []Move{{UCI: "e2e4"}}
	pv := &PV{Score: 20, Depth: 10, PV: []string{"e2e4"}}

	merged := MergeEntry(Entry{Moves: moves}, Entry{PV: pv})
	assert.Equal(t, moves, merged.Moves)
	assert.Equal(t, pv, merged.PV)

	merged = MergeEntry(merged, Entry{Moves: []Move{{UCI: "d2d4"}}})
	assert.Equal(t, "d2d4", merged.Moves[0].UCI)
	assert.Equal(t, pv, merged.PV)
}

func TestCachedLookup(t *testing.T) {
	fake, server := newFakeChessDB(t, map[string]string{
		"queryall": `{"status":"ok","moves":[{"uci":"e2e4","san":"e4","score":30,"rank":2,"note":"!","winrate":"51.00"}]}`,
		"querypv":  `{"status":"ok","score":30,"depth":20,"pv":["e2e4"],"pvSAN":["e4"]}`,
	})

	entryCache, err := cache.NewTieredCache[Entry](cache.Config{
		Name:             "cloud",
		MaxBytes:         1024 * 1024,
		EvictionFraction: 0.2,
	}, cache.NewMemoryBackend(0), MergeEntry)
	require.NoError(t, err)

	cached := NewCachedLookup(NewChessDBLookup(server.URL, time.Second, time.Minute), entryCache)

	entry, err := cached.Analyze(context.Background(), fenStart)
	require.NoError(t, err)
	assert.Equal(t, "0.30", entry.Moves[0].Score)
	assert.Equal(t, 20, entry.PV.Depth)

	entry, err = cached.Analyze(context.Background(), fenStart)
	require.NoError(t, err)
	assert.True(t, entry.HasMoves())
	assert.True(t, entry.HasPV())

	assert.Equal(t, 1, fake.count("queryall"))
	assert.Equal(t, 1, fake.count("querypv"))
}

func TestCachedLookupPartialFailure(t *testing.T) {
	_, server := newFakeChessDB(t, map[string]string{
		"queryall": `{"status":"unknown"}`,
		"queue":    `{"status":"ok"}`,
		"querypv":  `{"status":"ok","score":-10,"depth":12,"pv":["e7e5"],"pvSAN":["e5"]}`,
	})

	entryCache, err := cache.NewTieredCache[Entry](cache.Config{
		Name:             "cloud",
		MaxBytes:         1024 * 1024,
		EvictionFraction: 0.2,
	}, cache.NewMemoryBackend(0), MergeEntry)
	require.NoError(t, err)

	cached := NewCachedLookup(NewChessDBLookup(server.URL, time.Second, time.Minute), entryCache)

	entry, err := cached.Analyze(context.Background(), fenAfterE4)
	require.NoError(t, err)
	assert.False(t, entry.HasMoves())
	require.True(t, entry.HasPV())
	assert.Equal(t, []string{"e5"}, entry.PV.PVSAN)
}
