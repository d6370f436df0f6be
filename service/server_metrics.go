package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	promCounterForEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_evaluations_total",
		Help: "The total number of evaluations dispatched to engine pools",
	})

	promCounterForEvaluationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_evaluation_failures_total",
		Help: "The total number of evaluations that failed",
	})

	promCounterForEvalCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_eval_cache_hits_total",
		Help: "The total number of evaluations served from the evaluation cache",
	})

	promCounterForEvalCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_eval_cache_misses_total",
		Help: "The total number of evaluations not found complete in the evaluation cache",
	})

	promCounterForCloudLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_cloud_lookups_total",
		Help: "The total number of cloud lookups",
	})

	promCounterForGRPCRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_grpc_requests_total",
		Help: "The total number of gRPC requests",
	})

	promCounterForGRPCResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_grpc_responses_total",
		Help: "The total number of gRPC responses",
	})

	promCounterForGRPCRequestsTimedout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_grpc_requests_timedout_total",
		Help: "The total number of gRPC requests timed out",
	})

	promCounterForGRPCRequestsCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginepool_grpc_requests_canceled_total",
		Help: "The total number of gRPC requests canceled",
	})

	promGaugeForGRPCClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enginepool_grpc_clients",
		Help: "The number of gRPC clients connected",
	})

	promGaugeForPoolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_pool_workers",
		Help: "The number of workers of an engine pool",
	}, []string{"engine"})

	promGaugeForPoolIdleWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_pool_idle_workers",
		Help: "The number of idle workers of an engine pool",
	}, []string{"engine"})

	promGaugeForPoolQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_pool_queue_length",
		Help: "The number of jobs waiting for a worker of an engine pool",
	}, []string{"engine"})

	promGaugeForCacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_cache_entries",
		Help: "The number of entries of a cache",
	}, []string{"cache"})

	promGaugeForCacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_cache_bytes",
		Help: "The tracked bytes of a cache",
	}, []string{"cache"})

	promGaugeForCacheEvictions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enginepool_cache_evictions",
		Help: "The number of entries evicted from a cache since start",
	}, []string{"cache"})
)

// CollectPrometheusMetrics refreshes pool and cache gauges
func (server *PoolServer) CollectPrometheusMetrics(ctx context.Context) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServer",
		"function": "CollectPrometheusMetrics",
	})

	for _, engineInfo := range server.manager.GetEngines() {
		workers, idleWorkers, queueLength := 0, 0, 0
		if engineInfo.Stat != nil {
			workers = engineInfo.Stat.Workers
			idleWorkers = engineInfo.Stat.IdleWorkers
			queueLength = engineInfo.Stat.QueueLength
		}

		promGaugeForPoolWorkers.WithLabelValues(engineInfo.Name).Set(float64(workers))
		promGaugeForPoolIdleWorkers.WithLabelValues(engineInfo.Name).Set(float64(idleWorkers))
		promGaugeForPoolQueueLength.WithLabelValues(engineInfo.Name).Set(float64(queueLength))
	}

	for _, name := range server.GetCacheNames() {
		stats, err := server.GetCacheStats(ctx, name)
		if err != nil {
			logger.Warnf("Failed to collect stats of cache %q: %+v", name, err)
			continue
		}

		promGaugeForCacheEntries.WithLabelValues(name).Set(float64(stats.EntryCount))
		promGaugeForCacheBytes.WithLabelValues(name).Set(float64(stats.TotalBytes))
		promGaugeForCacheEvictions.WithLabelValues(name).Set(float64(stats.Evictions))
	}
}
