package client

import (
	"strings"
	"time"

	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/chessdojo/enginepool/utils"
	gocache "github.com/patrickmn/go-cache"
)

// ResultCache keeps recent final results on the client side
type ResultCache struct {
	cacheTimeout   time.Duration
	cleanupTimeout time.Duration
	evalCache      *gocache.Cache
	cloudCache     *gocache.Cache
}

// NewResultCache creates a new ResultCache
func NewResultCache(cacheTimeout time.Duration, cleanup time.Duration) *ResultCache {
	return &ResultCache{
		cacheTimeout:   cacheTimeout,
		cleanupTimeout: cleanup,
		evalCache:      gocache.New(cacheTimeout, cleanup),
		cloudCache:     gocache.New(cacheTimeout, cleanup),
	}
}

func makeEvalKey(fen string, engineName string) string {
	return utils.MakeHash(strings.TrimSpace(fen), engineName)
}

// AddEvalCache adds an evaluation, incomplete ones are kept too as they may serve shallower requests
func (cache *ResultCache) AddEvalCache(engineName string, eval *engine.PositionEval) {
	if eval == nil {
		return
	}

	key := makeEvalKey(eval.FEN, engineName)
	if existing := cache.getEval(key); existing != nil {
		// keep the deeper one
		if existing.GetDepth() > eval.GetDepth() && len(existing.Lines) >= len(eval.Lines) {
			return
		}
	}

	cache.evalCache.Set(key, eval, 0)
}

// GetEvalCache returns a cached evaluation complete for the depth and line count
func (cache *ResultCache) GetEvalCache(fen string, engineName string, depth int, lines int) *engine.PositionEval {
	eval := cache.getEval(makeEvalKey(fen, engineName))
	if eval == nil {
		return nil
	}

	if depth <= 0 || lines <= 0 {
		// defaults are decided by the service
		return nil
	}

	if !eval.IsComplete(depth, lines) {
		return nil
	}
	return eval
}

func (cache *ResultCache) getEval(key string) *engine.PositionEval {
	data, exist := cache.evalCache.Get(key)
	if exist {
		if eval, ok := data.(*engine.PositionEval); ok {
			return eval
		}
	}
	return nil
}

// RemoveEvalCache removes evaluations of a position
func (cache *ResultCache) RemoveEvalCache(fen string, engineName string) {
	cache.evalCache.Delete(makeEvalKey(fen, engineName))
}

// ClearEvalCache clears all evaluations
func (cache *ResultCache) ClearEvalCache() {
	cache.evalCache.Flush()
}

// AddCloudCache adds a cloud lookup result
func (cache *ResultCache) AddCloudCache(fen string, response *api.CloudLookupResponse) {
	cache.cloudCache.Set(strings.TrimSpace(fen), response, 0)
}

// GetCloudCache returns a cached cloud lookup result
func (cache *ResultCache) GetCloudCache(fen string) *api.CloudLookupResponse {
	data, exist := cache.cloudCache.Get(strings.TrimSpace(fen))
	if exist {
		if response, ok := data.(*api.CloudLookupResponse); ok {
			return response
		}
	}
	return nil
}

// ClearCloudCache clears all cloud lookup results
func (cache *ResultCache) ClearCloudCache() {
	cache.cloudCache.Flush()
}
