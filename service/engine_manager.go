package service

import (
	"context"
	"sync"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

const (
	idlePoolCheckInterval time.Duration = 10 * time.Second
)

// WorkerFactoryProvider returns the worker factory of a configured engine
type WorkerFactoryProvider func(engineConfig *commons.EngineConfig) engine.WorkerFactory

// ProcessWorkerFactoryProvider starts engine executables
func ProcessWorkerFactoryProvider(engineConfig *commons.EngineConfig) engine.WorkerFactory {
	return engine.NewProcessWorkerFactory(engineConfig.Path, engineConfig.Args)
}

// EngineManager keeps one pool per configured engine, created on first use and shut down when idle
type EngineManager struct {
	config          *commons.Config
	factoryProvider WorkerFactoryProvider
	pools           map[string]*engine.Pool // key: engine name
	creations       singleflight.Group      // key: engine name

	mutex         sync.RWMutex
	terminateChan chan bool
	terminated    bool
}

// NewEngineManager creates an engine manager, provider nil starts engine executables
func NewEngineManager(config *commons.Config, factoryProvider WorkerFactoryProvider) *EngineManager {
	if factoryProvider == nil {
		factoryProvider = ProcessWorkerFactoryProvider
	}

	manager := &EngineManager{
		config:          config,
		factoryProvider: factoryProvider,
		pools:           map[string]*engine.Pool{},

		terminateChan: make(chan bool, 1),
	}

	if config.EngineIdleTimeout > 0 {
		go func() {
			// release idle pools
			ticker := time.NewTicker(idlePoolCheckInterval)
			defer ticker.Stop()

			for {
				select {
				case <-manager.terminateChan:
					return
				case <-ticker.C:
					manager.releaseIdlePools()
				}
			}
		}()
	}

	return manager
}

// Release shuts down every pool
func (manager *EngineManager) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "EngineManager",
		"function": "Release",
	})

	defer utils.StackTraceFromPanic(logger)

	manager.mutex.Lock()
	if manager.terminated {
		manager.mutex.Unlock()
		return
	}
	manager.terminated = true

	pools := manager.pools
	manager.pools = map[string]*engine.Pool{}
	manager.mutex.Unlock()

	manager.terminateChan <- true

	wg := sync.WaitGroup{}
	for _, pool := range pools {
		wg.Add(1)

		go func(p *engine.Pool) {
			defer wg.Done()
			p.Shutdown()
		}(pool)
	}

	wg.Wait()

	logger.Infof("Released %d engine pools", len(pools))
}

// getEngineConfig returns the config of the engine, the first configured engine if name is empty
func (manager *EngineManager) getEngineConfig(name string) (*commons.EngineConfig, error) {
	if len(name) == 0 {
		if len(manager.config.Engines) == 0 {
			return nil, commons.NewEngineNotFoundError("")
		}
		return &manager.config.Engines[0], nil
	}

	engineConfig := manager.config.GetEngine(name)
	if engineConfig == nil {
		return nil, commons.NewEngineNotFoundError(name)
	}
	return engineConfig, nil
}

// ResolveEngineName returns the engine name requests with an empty name go to
func (manager *EngineManager) ResolveEngineName(name string) (string, error) {
	engineConfig, err := manager.getEngineConfig(name)
	if err != nil {
		return "", err
	}
	return engineConfig.Name, nil
}

// GetPool returns the pool of the engine, creating it if it does not run.
// Concurrent callers share one creation, which runs without holding the manager lock.
func (manager *EngineManager) GetPool(ctx context.Context, name string) (*engine.Pool, error) {
	engineConfig, err := manager.getEngineConfig(name)
	if err != nil {
		return nil, err
	}

	pool, ok, err := manager.getRunningPool(engineConfig.Name)
	if err != nil {
		return nil, err
	}

	if ok {
		return pool, nil
	}

	// the creation outlives a caller that gives up, other callers may be waiting for it
	resultChan := manager.creations.DoChan(engineConfig.Name, func() (interface{}, error) {
		return manager.createPool(context.WithoutCancel(ctx), engineConfig)
	})

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*engine.Pool), nil
	case <-ctx.Done():
		return nil, xerrors.Errorf("failed to wait for engine pool %q: %w", engineConfig.Name, ctx.Err())
	}
}

// getRunningPool returns the pool of the engine unless it is terminated
func (manager *EngineManager) getRunningPool(name string) (*engine.Pool, bool, error) {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	if manager.terminated {
		return nil, false, commons.NewPoolNotReadyError(name, string(engine.PoolStateTerminated))
	}

	pool, ok := manager.pools[name]
	if !ok || pool.GetState() == engine.PoolStateTerminated {
		return nil, false, nil
	}
	return pool, true, nil
}

func (manager *EngineManager) createPool(ctx context.Context, engineConfig *commons.EngineConfig) (*engine.Pool, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "EngineManager",
		"function": "createPool",
	})

	defer utils.StackTraceFromPanic(logger)

	// a creation finished just before this one started
	pool, ok, err := manager.getRunningPool(engineConfig.Name)
	if err != nil {
		return nil, err
	}

	if ok {
		return pool, nil
	}

	workers := engineConfig.Workers
	if workers <= 0 {
		workers = engine.RecommendedWorkerCount()
	}

	options := engine.NewDefaultOptions()
	if manager.config.DefaultLines > 0 {
		options.Lines = manager.config.DefaultLines
	}

	poolConfig := engine.PoolConfig{
		Name:         engineConfig.Name,
		Workers:      workers,
		InitCommands: engineConfig.InitCommands,
		Options:      options,
	}

	pool, err = engine.CreatePool(ctx, poolConfig, manager.factoryProvider(engineConfig))
	if err != nil {
		return nil, xerrors.Errorf("failed to create engine pool %q: %w", engineConfig.Name, err)
	}

	manager.mutex.Lock()
	if manager.terminated {
		manager.mutex.Unlock()

		pool.Shutdown()
		return nil, commons.NewPoolNotReadyError(engineConfig.Name, string(engine.PoolStateTerminated))
	}

	if _, ok := manager.pools[engineConfig.Name]; ok {
		logger.Infof("Engine pool %q is terminated, recreating it", engineConfig.Name)
	}
	manager.pools[engineConfig.Name] = pool
	manager.mutex.Unlock()

	logger.Infof("Created engine pool %q with %d workers", engineConfig.Name, pool.GetWorkerCount())
	return pool, nil
}

// PeekPool returns the pool of the engine if it runs
func (manager *EngineManager) PeekPool(name string) (*engine.Pool, bool, error) {
	engineConfig, err := manager.getEngineConfig(name)
	if err != nil {
		return nil, false, err
	}

	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	pool, ok := manager.pools[engineConfig.Name]
	if !ok || pool.GetState() == engine.PoolStateTerminated {
		return nil, false, nil
	}
	return pool, true, nil
}

// GetEngines describes every configured engine
func (manager *EngineManager) GetEngines() []api.EngineInfo {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	engines := make([]api.EngineInfo, 0, len(manager.config.Engines))
	for _, engineConfig := range manager.config.Engines {
		info := api.EngineInfo{
			Name: engineConfig.Name,
			Path: engineConfig.Path,
		}

		if pool, ok := manager.pools[engineConfig.Name]; ok {
			stat := pool.GetStat()
			info.Stat = &stat
		}

		engines = append(engines, info)
	}

	return engines
}

// GetTotalPools returns the number of pools held
func (manager *EngineManager) GetTotalPools() int {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	return len(manager.pools)
}

func (manager *EngineManager) releaseIdlePools() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "EngineManager",
		"function": "releaseIdlePools",
	})

	defer utils.StackTraceFromPanic(logger)

	idleTimeout := time.Duration(manager.config.EngineIdleTimeout)
	idlePools := []*engine.Pool{}

	manager.mutex.Lock()
	for name, pool := range manager.pools {
		stat := pool.GetStat()
		busy := stat.IdleWorkers < stat.Workers || stat.QueueLength > 0
		if busy {
			continue
		}

		if time.Since(pool.GetLastActivityTime()) > idleTimeout {
			idlePools = append(idlePools, pool)
			delete(manager.pools, name)
		}
	}
	manager.mutex.Unlock()

	for _, pool := range idlePools {
		logger.Infof("Shutting down engine pool %q as it was idle for %s", pool.GetName(), time.Since(pool.GetLastActivityTime()).String())
		pool.Shutdown()
	}
}
