package service

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/chessdojo/enginepool/cloud"
	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/chessdojo/enginepool/utils"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
)

// PoolService is a service object
type PoolService struct {
	config *commons.Config

	poolServer  *PoolServer
	grpcServer  *grpc.Server
	statHandler *PoolServiceStatHandler
	reporter    *cron.Cron
	listener    net.Listener

	terminated bool
	mutex      sync.Mutex // for termination
}

// NewPoolService creates a new pool service. provider nil starts engine executables, lookup nil queries ChessDB.
func NewPoolService(config *commons.Config, factoryProvider WorkerFactoryProvider, lookup cloud.Lookup) (*PoolService, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewPoolService",
	})

	poolServer, err := NewPoolServer(config, factoryProvider, lookup)
	if err != nil {
		logger.Errorf("%+v", err)
		return nil, err
	}

	statHandler := &PoolServiceStatHandler{
		poolServer: poolServer,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(statHandler),
		grpc.UnaryInterceptor(statHandler.UnaryInterceptor),
		grpc.StreamInterceptor(statHandler.StreamInterceptor),
	)
	api.RegisterEnginePoolAPIServer(grpcServer, poolServer)

	reporter := cron.New()
	if len(config.CacheReportSchedule) > 0 {
		_, err = reporter.AddFunc(config.CacheReportSchedule, func() {
			reportCaches(poolServer)
		})
		if err != nil {
			poolServer.Release()
			return nil, xerrors.Errorf("failed to schedule cache report %q: %w", config.CacheReportSchedule, err)
		}
	}

	service := &PoolService{
		config: config,

		poolServer:  poolServer,
		grpcServer:  grpcServer,
		statHandler: statHandler,
		reporter:    reporter,
	}

	return service, nil
}

func reportCaches(poolServer *PoolServer) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "reportCaches",
	})

	defer utils.StackTraceFromPanic(logger)

	ctx := context.Background()

	for _, name := range poolServer.GetCacheNames() {
		stats, err := poolServer.GetCacheStats(ctx, name)
		if err != nil {
			logger.Warnf("Failed to get stats of cache %q: %+v", name, err)
			continue
		}

		logger.Infof("Cache %q: %s", name, stats.String())
	}

	poolServer.CollectPrometheusMetrics(ctx)
}

// GetPoolServer returns the gRPC API server
func (svc *PoolService) GetPoolServer() *PoolServer {
	return svc.poolServer
}

// GetStatHandler returns the connection stat handler
func (svc *PoolService) GetStatHandler() *PoolServiceStatHandler {
	return svc.statHandler
}

// Serve serves gRPC on the listener until Stop, it blocks
func (svc *PoolService) Serve(listener net.Listener) error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolService",
		"function": "Serve",
	})

	svc.mutex.Lock()
	if svc.terminated {
		svc.mutex.Unlock()
		return xerrors.Errorf("service is already stopped")
	}
	svc.listener = listener
	svc.mutex.Unlock()

	svc.reporter.Start()

	err := svc.grpcServer.Serve(listener)
	if err != nil && err != grpc.ErrServerStopped {
		logger.Errorf("%+v", err)
		return xerrors.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// Start starts the service on the configured endpoint without blocking
func (svc *PoolService) Start() error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolService",
		"function": "Start",
	})

	logger.Info("Starting the engine pool service")

	scheme, addr, err := commons.ParsePoolServiceEndpoint(svc.config.ServiceEndpoint)
	if err != nil {
		logger.Errorf("%+v", err)
		return err
	}

	if scheme == "unix" {
		// remove a socket left by a previous run
		if _, statErr := os.Stat(addr); statErr == nil {
			removeErr := os.Remove(addr)
			if removeErr != nil {
				return xerrors.Errorf("failed to remove stale socket %q: %w", addr, removeErr)
			}
		}
	}

	listener, err := net.Listen(scheme, addr)
	if err != nil {
		logger.Errorf("%+v", err)
		return xerrors.Errorf("failed to listen %s %q: %w", scheme, addr, err)
	}

	logger.Infof("Listening %s %q", scheme, addr)

	go func() {
		serveErr := svc.Serve(listener)
		if serveErr != nil {
			logger.Errorf("%+v", serveErr)
		}
	}()

	return nil
}

// Stop stops serving
func (svc *PoolService) Stop() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolService",
		"function": "Stop",
	})

	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.terminated {
		// already terminated
		return
	}

	svc.terminated = true

	logger.Info("Stopping the engine pool service")

	<-svc.reporter.Stop().Done()

	if svc.grpcServer != nil {
		svc.grpcServer.Stop()
	}
}

// Release releases resources, pools and caches
func (svc *PoolService) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolService",
		"function": "Release",
	})

	logger.Info("Releasing the engine pool service")

	svc.Stop()

	if svc.poolServer != nil {
		svc.poolServer.Release()
	}
}
