package cloud

import (
	"context"

	"github.com/chessdojo/enginepool/cache"
	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// CachedLookup answers from the cloud cache and fills missing parts from the lookup
type CachedLookup struct {
	lookup Lookup
	cache  *cache.TieredCache[Entry]
}

// NewCachedLookup creates a cached lookup
func NewCachedLookup(lookup Lookup, entryCache *cache.TieredCache[Entry]) *CachedLookup {
	return &CachedLookup{
		lookup: lookup,
		cache:  entryCache,
	}
}

// GetCache returns the cloud cache
func (cached *CachedLookup) GetCache() *cache.TieredCache[Entry] {
	return cached.cache
}

// Analyze returns candidate moves and best line of the position.
// A part that fails is left empty, an error is returned only if both fail.
func (cached *CachedLookup) Analyze(ctx context.Context, fen string) (*Entry, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cloud",
		"struct":   "CachedLookup",
		"function": "Analyze",
	})

	defer utils.StackTraceFromPanic(logger)

	if _, err := isWhiteToMove(fen); err != nil {
		return nil, err
	}

	entry, _ := cached.cache.Get(ctx, fen)

	var movesErr error
	if !entry.HasMoves() {
		moves, err := cached.lookup.QueryAll(ctx, fen)
		if err != nil {
			movesErr = xerrors.Errorf("failed to look up candidate moves of %q: %w", fen, err)
		} else {
			entry.Moves = moves
			cached.put(ctx, fen, Entry{Moves: moves})
		}
	}

	var pvErr error
	if !entry.HasPV() {
		pv, err := cached.lookup.QueryPV(ctx, fen)
		if err != nil {
			pvErr = xerrors.Errorf("failed to look up best line of %q: %w", fen, err)
		} else {
			entry.PV = pv
			cached.put(ctx, fen, Entry{PV: pv})
		}
	}

	if !entry.HasMoves() && !entry.HasPV() {
		if movesErr != nil {
			return nil, movesErr
		}
		return nil, pvErr
	}

	if movesErr != nil {
		logger.Debugf("%v", movesErr)
	}
	if pvErr != nil {
		logger.Debugf("%v", pvErr)
	}

	return &entry, nil
}

func (cached *CachedLookup) put(ctx context.Context, fen string, entry Entry) {
	logger := log.WithFields(log.Fields{
		"package":  "cloud",
		"struct":   "CachedLookup",
		"function": "put",
	})

	err := cached.cache.Put(ctx, fen, entry)
	if err != nil {
		logger.Warnf("Failed to cache cloud entry of %q: %+v", fen, err)
	}
}
