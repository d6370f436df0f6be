package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/engine/enginetest"
	"github.com/chessdojo/enginepool/service"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/test/bufconn"
)

const (
	fenStart = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

	testTimeout = 5 * time.Second
)

func newTestClient(t *testing.T) (*PoolServiceClient, *enginetest.FakeEngine) {
	t.Helper()

	config := commons.NewDefaultConfig()
	config.Engines = []commons.EngineConfig{
		{Name: "fakefish", Path: "/usr/bin/fakefish", Workers: 1},
	}
	config.EngineIdleTimeout = 0
	config.DefaultDepth = 3
	config.EvalCache.Path = ""
	config.CloudCache.Path = ""
	config.CacheReportSchedule = ""

	fake := enginetest.NewFakeEngine()
	svc, err := service.NewPoolService(config, func(engineConfig *commons.EngineConfig) engine.WorkerFactory {
		return fake.Factory()
	}, nil)
	require.NoError(t, err)

	listener := bufconn.Listen(1024 * 1024)
	go svc.Serve(listener)

	client := NewPoolServiceClient("tcp://bufconn:0", testTimeout, "")
	client.SetContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return listener.DialContext(ctx)
	})
	require.NoError(t, client.Connect())
	assert.True(t, client.IsConnected())
	assert.NotEmpty(t, client.GetID())

	t.Cleanup(func() {
		client.Disconnect()
		svc.Release()
	})

	return client, fake
}

func TestClientEvaluate(t *testing.T) {
	client, fake := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	mutex := sync.Mutex{}
	partials := 0

	response, err := client.Evaluate(ctx, &api.EvaluateRequest{FEN: fenStart, Engine: "fakefish", Depth: 3, Lines: 1}, func(eval *engine.PositionEval) {
		mutex.Lock()
		defer mutex.Unlock()
		partials++
	})
	require.NoError(t, err)
	assert.False(t, response.Partial)
	assert.False(t, response.Cached)
	require.NotNil(t, response.Eval)
	assert.Equal(t, 3, response.Eval.GetDepth())

	mutex.Lock()
	assert.Greater(t, partials, 0)
	mutex.Unlock()

	// answered by the local result cache
	response, err = client.Evaluate(ctx, &api.EvaluateRequest{FEN: fenStart, Engine: "fakefish", Depth: 2, Lines: 1}, nil)
	require.NoError(t, err)
	assert.True(t, response.Cached)
	assert.Len(t, fake.Searches(), 1)

	// service defaults are unknown locally, the service cache answers
	response, err = client.Evaluate(ctx, &api.EvaluateRequest{FEN: fenStart, Engine: "fakefish"}, nil)
	require.NoError(t, err)
	assert.True(t, response.Cached)
	assert.Len(t, fake.Searches(), 1)
}

func TestClientEvaluateError(t *testing.T) {
	client, _ := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := client.Evaluate(ctx, &api.EvaluateRequest{FEN: fenStart, Engine: "nofish"}, nil)
	require.Error(t, err)
	assert.True(t, commons.IsEngineNotFoundError(err))
	assert.True(t, client.IsConnected())
}

func TestClientOperations(t *testing.T) {
	client, fake := newTestClient(t)

	require.NoError(t, client.SetOption("fakefish", "threads", 4))
	require.Len(t, fake.GetWorkers(), 1)
	assert.Equal(t, "4", fake.GetWorkers()[0].GetOption("Threads"))

	err := client.SetOption("fakefish", "threads", 0)
	assert.True(t, commons.IsConfigurationError(err))

	require.NoError(t, client.StopAll("fakefish"))

	engines, err := client.Engines()
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, "fakefish", engines[0].Name)
	require.NotNil(t, engines[0].Stat)
	assert.Equal(t, 4, engines[0].Stat.Options.Threads)

	stats, err := client.CacheStats(api.CacheNameEval)
	require.NoError(t, err)
	assert.Equal(t, api.CacheNameEval, stats.Stats.Name)

	require.NoError(t, client.ClearCache(api.CacheNameEval))

	_, err = client.CloudLookup(fenStart)
	assert.True(t, commons.IsConfigurationError(err))
}

func TestClientNotConnected(t *testing.T) {
	client := NewPoolServiceClient("tcp://localhost:12030", time.Second, "test-client")
	assert.Equal(t, "test-client", client.GetID())
	assert.False(t, client.IsConnected())

	_, err := client.Engines()
	assert.Error(t, err)

	_, err = client.Evaluate(context.Background(), &api.EvaluateRequest{FEN: fenStart}, nil)
	assert.Error(t, err)
}

func TestResultCache(t *testing.T) {
	cache := NewResultCache(time.Minute, time.Minute)

	shallow := &engine.PositionEval{FEN: fenStart, Lines: []engine.LineEval{{FEN: fenStart, Depth: 5}}}
	deep := &engine.PositionEval{FEN: fenStart, Lines: []engine.LineEval{{FEN: fenStart, Depth: 12}}}

	cache.AddEvalCache("fakefish", deep)
	cache.AddEvalCache("fakefish", shallow)

	assert.Same(t, deep, cache.GetEvalCache(fenStart, "fakefish", 10, 1))
	assert.Nil(t, cache.GetEvalCache(fenStart, "fakefish", 20, 1))
	assert.Nil(t, cache.GetEvalCache(fenStart, "fakefish", 10, 2))
	assert.Nil(t, cache.GetEvalCache(fenStart, "otherfish", 10, 1))
	assert.Nil(t, cache.GetEvalCache(fenStart, "fakefish", 0, 0))

	cache.RemoveEvalCache(fenStart, "fakefish")
	assert.Nil(t, cache.GetEvalCache(fenStart, "fakefish", 1, 1))

	cloudResponse := &api.CloudLookupResponse{}
	cache.AddCloudCache(fenStart, cloudResponse)
	assert.Same(t, cloudResponse, cache.GetCloudCache(" "+fenStart))

	cache.ClearCloudCache()
	assert.Nil(t, cache.GetCloudCache(fenStart))
}
