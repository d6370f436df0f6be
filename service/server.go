package service

import (
	"context"
	"sync"

	"github.com/chessdojo/enginepool/cache"
	"github.com/chessdojo/enginepool/cloud"
	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/protobuf/types/known/structpb"
)

// PoolServer implements the engine pool gRPC API
type PoolServer struct {
	config *commons.Config

	manager     *EngineManager
	evaluator   *Evaluator
	evalCache   *cache.TieredCache[engine.PositionEval]
	cloudCache  *cache.TieredCache[cloud.Entry]
	cloudLookup *cloud.CachedLookup // nil when cloud lookup is disabled

	mutex sync.RWMutex
}

// newCacheBackend opens the SQLite store at the configured path, or keeps entries in memory if no path is given
func newCacheBackend(cacheConfig *commons.CacheConfig) (cache.Backend, error) {
	if len(cacheConfig.Path) == 0 {
		return cache.NewMemoryBackend(cacheConfig.QuotaBytes), nil
	}

	backend, err := cache.NewSQLiteBackend(cacheConfig.Path, cacheConfig.QuotaBytes)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func newCacheConfig(name string, cacheConfig *commons.CacheConfig) cache.Config {
	return cache.Config{
		Name:             name,
		MaxBytes:         cacheConfig.MaxBytes,
		EvictionFraction: cacheConfig.EvictionFraction,
		VolatileEntries:  cacheConfig.VolatileEntries,
	}
}

// NewPoolServer creates a pool server. Cloud lookup is only set up when enabled, lookup nil queries ChessDB.
func NewPoolServer(config *commons.Config, factoryProvider WorkerFactoryProvider, lookup cloud.Lookup) (*PoolServer, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewPoolServer",
	})

	evalBackend, err := newCacheBackend(&config.EvalCache)
	if err != nil {
		return nil, xerrors.Errorf("failed to open evaluation cache: %w", err)
	}

	evalCache, err := cache.NewTieredCache[engine.PositionEval](newCacheConfig(api.CacheNameEval, &config.EvalCache), evalBackend, nil)
	if err != nil {
		evalBackend.Close()
		return nil, xerrors.Errorf("failed to create evaluation cache: %w", err)
	}

	manager := NewEngineManager(config, factoryProvider)

	server := &PoolServer{
		config:    config,
		manager:   manager,
		evaluator: NewEvaluator(config, manager, evalCache),
		evalCache: evalCache,
	}

	if config.Cloud.Enabled {
		cloudBackend, err := newCacheBackend(&config.CloudCache)
		if err != nil {
			server.Release()
			return nil, xerrors.Errorf("failed to open cloud cache: %w", err)
		}

		cloudCache, err := cache.NewTieredCache[cloud.Entry](newCacheConfig(api.CacheNameCloud, &config.CloudCache), cloudBackend, cloud.MergeEntry)
		if err != nil {
			cloudBackend.Close()
			server.Release()
			return nil, xerrors.Errorf("failed to create cloud cache: %w", err)
		}

		if lookup == nil {
			lookup = cloud.NewChessDBLookupFromConfig(&config.Cloud)
		}

		server.cloudCache = cloudCache
		server.cloudLookup = cloud.NewCachedLookup(lookup, cloudCache)

		logger.Infof("Cloud lookup is enabled")
	}

	return server, nil
}

// Release shuts down engine pools and closes caches
func (server *PoolServer) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "Release",
	})

	defer utils.StackTraceFromPanic(logger)

	logger.Info("Release")
	defer logger.Info("Released")

	server.manager.Release()

	server.mutex.Lock()
	defer server.mutex.Unlock()

	if server.evalCache != nil {
		err := server.evalCache.Release()
		if err != nil {
			logger.Warnf("Failed to close evaluation cache: %+v", err)
		}
		server.evalCache = nil
	}

	if server.cloudCache != nil {
		err := server.cloudCache.Release()
		if err != nil {
			logger.Warnf("Failed to close cloud cache: %+v", err)
		}
		server.cloudCache = nil
	}
}

// GetEngineManager returns the engine manager
func (server *PoolServer) GetEngineManager() *EngineManager {
	return server.manager
}

// GetCacheNames returns the names of caches in use
func (server *PoolServer) GetCacheNames() []string {
	server.mutex.RLock()
	defer server.mutex.RUnlock()

	names := []string{}
	if server.evalCache != nil {
		names = append(names, api.CacheNameEval)
	}
	if server.cloudCache != nil {
		names = append(names, api.CacheNameCloud)
	}
	return names
}

// GetCacheStats returns stats of the named cache
func (server *PoolServer) GetCacheStats(ctx context.Context, name string) (*cache.Stats, error) {
	server.mutex.RLock()
	defer server.mutex.RUnlock()

	switch name {
	case api.CacheNameEval, "":
		if server.evalCache != nil {
			return server.evalCache.Stats(ctx)
		}
	case api.CacheNameCloud:
		if server.cloudCache != nil {
			return server.cloudCache.Stats(ctx)
		}
	}

	return nil, commons.NewConfigurationErrorf("unknown cache %q", name)
}

// ClearCacheByName clears the named cache
func (server *PoolServer) ClearCacheByName(ctx context.Context, name string) error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "ClearCacheByName",
	})

	server.mutex.RLock()
	defer server.mutex.RUnlock()

	var err error
	switch name {
	case api.CacheNameEval:
		if server.evalCache == nil {
			return commons.NewConfigurationErrorf("unknown cache %q", name)
		}
		err = server.evalCache.Clear(ctx)
	case api.CacheNameCloud:
		if server.cloudCache == nil {
			return commons.NewConfigurationErrorf("unknown cache %q", name)
		}
		err = server.cloudCache.Clear(ctx)
	default:
		return commons.NewConfigurationErrorf("unknown cache %q", name)
	}

	if err != nil {
		return err
	}

	logger.Infof("Cleared cache %q", name)
	return nil
}

func emptyResponse() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// Evaluate streams partial evaluations followed by the final one
func (server *PoolServer) Evaluate(request *structpb.Struct, stream api.EnginePoolAPI_EvaluateServer) error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "Evaluate",
	})

	defer utils.StackTraceFromPanic(logger)

	evaluateRequest := api.EvaluateRequest{}
	err := api.FromStruct(request, &evaluateRequest)
	if err != nil {
		return commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	logger.Debugf("Evaluate request for %q on engine %q, depth %d, lines %d", evaluateRequest.FEN, evaluateRequest.Engine, evaluateRequest.Depth, evaluateRequest.Lines)

	// partial updates come from the worker reader, the final one from this goroutine
	sendMutex := sync.Mutex{}
	finished := false

	send := func(response *api.EvaluateResponse) error {
		message, err := api.ToStruct(response)
		if err != nil {
			return err
		}

		sendMutex.Lock()
		defer sendMutex.Unlock()

		if finished {
			return nil
		}
		return stream.Send(message)
	}

	partialCallback := func(eval *engine.PositionEval) {
		err := send(&api.EvaluateResponse{Partial: true, Eval: eval})
		if err != nil {
			logger.Debugf("Failed to send partial evaluation: %v", err)
		}
	}

	result, err := server.evaluator.Evaluate(stream.Context(), &EvalRequest{
		FEN:     evaluateRequest.FEN,
		Engine:  evaluateRequest.Engine,
		Depth:   evaluateRequest.Depth,
		Lines:   evaluateRequest.Lines,
		Threads: evaluateRequest.Threads,
		HashMB:  evaluateRequest.HashMB,
	}, partialCallback)
	if err != nil {
		sendMutex.Lock()
		finished = true
		sendMutex.Unlock()

		logger.Debugf("Evaluation of %q failed: %+v", evaluateRequest.FEN, err)
		return commons.ErrorToStatus(err)
	}

	err = send(&api.EvaluateResponse{Partial: false, Cached: result.Cached, Eval: result.Eval})

	sendMutex.Lock()
	finished = true
	sendMutex.Unlock()

	if err != nil {
		return commons.ErrorToStatus(err)
	}
	return nil
}

// SetOption sets a global option of an engine pool
func (server *PoolServer) SetOption(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "SetOption",
	})

	defer utils.StackTraceFromPanic(logger)

	setOptionRequest := api.SetOptionRequest{}
	err := api.FromStruct(request, &setOptionRequest)
	if err != nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	name, err := engine.ParseOptionName(setOptionRequest.Name)
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}

	pool, err := server.manager.GetPool(ctx, setOptionRequest.Engine)
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}

	err = pool.SetGlobalOption(ctx, name, setOptionRequest.Value, false)
	if err != nil {
		logger.Debugf("%+v", err)
		return nil, commons.ErrorToStatus(err)
	}

	return emptyResponse(), nil
}

// StopAll stops every evaluation of an engine pool, nothing to do if the pool does not run
func (server *PoolServer) StopAll(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "StopAll",
	})

	defer utils.StackTraceFromPanic(logger)

	engineRequest := api.EngineRequest{}
	err := api.FromStruct(request, &engineRequest)
	if err != nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	pool, ok, err := server.manager.PeekPool(engineRequest.Engine)
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}

	if ok {
		err = pool.StopAll(ctx)
		if err != nil {
			return nil, commons.ErrorToStatus(err)
		}
	}

	return emptyResponse(), nil
}

// CloudLookup returns candidate moves and best line from the cloud database
func (server *PoolServer) CloudLookup(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "CloudLookup",
	})

	defer utils.StackTraceFromPanic(logger)

	if server.cloudLookup == nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError("cloud lookup is disabled"))
	}

	lookupRequest := api.CloudLookupRequest{}
	err := api.FromStruct(request, &lookupRequest)
	if err != nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	promCounterForCloudLookups.Inc()

	entry, err := server.cloudLookup.Analyze(ctx, lookupRequest.FEN)
	if err != nil {
		logger.Debugf("%+v", err)
		return nil, commons.ErrorToStatus(err)
	}

	response, err := api.ToStruct(&api.CloudLookupResponse{
		Moves: entry.Moves,
		PV:    entry.PV,
	})
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}
	return response, nil
}

// CacheStats returns stats of a cache
func (server *PoolServer) CacheStats(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	cacheRequest := api.CacheRequest{}
	err := api.FromStruct(request, &cacheRequest)
	if err != nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	stats, err := server.GetCacheStats(ctx, cacheRequest.Cache)
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}

	response, err := api.ToStruct(&api.CacheStatsResponse{Stats: stats})
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}
	return response, nil
}

// ClearCache removes every entry of a cache
func (server *PoolServer) ClearCache(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	cacheRequest := api.CacheRequest{}
	err := api.FromStruct(request, &cacheRequest)
	if err != nil {
		return nil, commons.ErrorToStatus(commons.NewConfigurationError(err.Error()))
	}

	err = server.ClearCacheByName(ctx, cacheRequest.Cache)
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}

	return emptyResponse(), nil
}

// Engines lists configured engines with their pool stats
func (server *PoolServer) Engines(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	response, err := api.ToStruct(&api.EnginesResponse{
		Engines: server.manager.GetEngines(),
	})
	if err != nil {
		return nil, commons.ErrorToStatus(err)
	}
	return response, nil
}
