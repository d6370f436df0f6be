package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chessdojo/enginepool/cloud"
	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine/enginetest"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	bufconnSize int = 1024 * 1024
)

type fakeLookup struct {
	mutex    sync.Mutex
	queryAll int
	queryPV  int
}

func (lookup *fakeLookup) QueryAll(ctx context.Context, fen string) ([]cloud.Move, error) {
	lookup.mutex.Lock()
	defer lookup.mutex.Unlock()

	lookup.queryAll++
	return []cloud.Move{
		{UCI: "e2e4", SAN: "e4", Score: "0.30", Winrate: "52.1", Rank: "2", Note: "Best"},
	}, nil
}

func (lookup *fakeLookup) QueryPV(ctx context.Context, fen string) (*cloud.PV, error) {
	lookup.mutex.Lock()
	defer lookup.mutex.Unlock()

	lookup.queryPV++
	return &cloud.PV{Score: 30, Depth: 40, PV: []string{"e2e4", "e7e5"}, PVSAN: []string{"e4", "e5"}}, nil
}

func (lookup *fakeLookup) Queue(ctx context.Context, fen string) error {
	return nil
}

func (lookup *fakeLookup) counts() (int, int) {
	lookup.mutex.Lock()
	defer lookup.mutex.Unlock()

	return lookup.queryAll, lookup.queryPV
}

type testService struct {
	service *PoolService
	client  api.EnginePoolAPIClient
	fake    *enginetest.FakeEngine
	lookup  *fakeLookup
}

func newTestService(t *testing.T, config *commons.Config) *testService {
	t.Helper()

	fake := enginetest.NewFakeEngine()
	lookup := &fakeLookup{}

	service, err := NewPoolService(config, fakeProvider(fake), lookup)
	require.NoError(t, err)

	listener := bufconn.Listen(bufconnSize)
	go service.Serve(listener)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		service.Release()
	})

	return &testService{
		service: service,
		client:  api.NewEnginePoolAPIClient(conn),
		fake:    fake,
		lookup:  lookup,
	}
}

func toStruct(t *testing.T, message interface{}) *structpb.Struct {
	t.Helper()

	pbStruct, err := api.ToStruct(message)
	require.NoError(t, err)
	return pbStruct
}

func receiveEvaluation(t *testing.T, stream api.EnginePoolAPI_EvaluateClient) ([]api.EvaluateResponse, error) {
	t.Helper()

	responses := []api.EvaluateResponse{}
	for {
		message, err := stream.Recv()
		if err == io.EOF {
			return responses, nil
		}
		if err != nil {
			return responses, err
		}

		response := api.EvaluateResponse{}
		require.NoError(t, api.FromStruct(message, &response))
		responses = append(responses, response)
	}
}

func TestPoolServerEvaluate(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	stream, err := ts.client.Evaluate(ctx, toStruct(t, &api.EvaluateRequest{FEN: fenStart, Depth: 3, Lines: 2}))
	require.NoError(t, err)

	responses, err := receiveEvaluation(t, stream)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(responses), 2)

	for _, response := range responses[:len(responses)-1] {
		assert.True(t, response.Partial)
		require.NotNil(t, response.Eval)
	}

	final := responses[len(responses)-1]
	assert.False(t, final.Partial)
	assert.False(t, final.Cached)
	require.NotNil(t, final.Eval)
	assert.Equal(t, fenStart, final.Eval.FEN)
	assert.Equal(t, "fakefish", final.Eval.Engine)
	assert.Len(t, final.Eval.Lines, 2)
	assert.Equal(t, 3, final.Eval.GetDepth())

	// served from cache as a single final message
	stream, err = ts.client.Evaluate(ctx, toStruct(t, &api.EvaluateRequest{FEN: fenStart, Depth: 3, Lines: 2}))
	require.NoError(t, err)

	responses, err = receiveEvaluation(t, stream)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Cached)
	assert.Equal(t, final.Eval.BestMove, responses[0].Eval.BestMove)
}

func TestPoolServerEvaluateErrors(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	stream, err := ts.client.Evaluate(ctx, toStruct(t, &api.EvaluateRequest{FEN: fenStart, Engine: "nofish"}))
	require.NoError(t, err)

	_, err = receiveEvaluation(t, stream)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.True(t, commons.IsEngineNotFoundError(commons.StatusToError(err)))

	stream, err = ts.client.Evaluate(ctx, toStruct(t, &api.EvaluateRequest{FEN: fenStart, Lines: 42}))
	require.NoError(t, err)

	_, err = receiveEvaluation(t, stream)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPoolServerSetOptionAndStopAll(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	// nothing runs yet
	_, err := ts.client.StopAll(ctx, toStruct(t, &api.EngineRequest{Engine: "fakefish"}))
	require.NoError(t, err)
	assert.Empty(t, ts.fake.GetWorkers())

	_, err = ts.client.SetOption(ctx, toStruct(t, &api.SetOptionRequest{Engine: "fakefish", Name: "hash", Value: 128}))
	require.NoError(t, err)

	workers := ts.fake.GetWorkers()
	require.Len(t, workers, 2)
	for _, worker := range workers {
		assert.Equal(t, "128", worker.GetOption("Hash"))
	}

	_, err = ts.client.SetOption(ctx, toStruct(t, &api.SetOptionRequest{Engine: "fakefish", Name: "hash", Value: 100}))
	require.Error(t, err)
	assert.True(t, commons.IsConfigurationError(commons.StatusToError(err)))

	_, err = ts.client.SetOption(ctx, toStruct(t, &api.SetOptionRequest{Engine: "fakefish", Name: "ponder", Value: 1}))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.StopAll(ctx, toStruct(t, &api.EngineRequest{}))
	require.NoError(t, err)
}

func TestPoolServerCloudLookup(t *testing.T) {
	config := newTestConfig()
	config.Cloud.Enabled = true

	ts := newTestService(t, config)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		responseMessage, err := ts.client.CloudLookup(ctx, toStruct(t, &api.CloudLookupRequest{FEN: fenStart}))
		require.NoError(t, err)

		response := api.CloudLookupResponse{}
		require.NoError(t, api.FromStruct(responseMessage, &response))
		require.Len(t, response.Moves, 1)
		assert.Equal(t, "e4", response.Moves[0].SAN)
		assert.Equal(t, "0.30", response.Moves[0].Score)
		require.NotNil(t, response.PV)
		assert.Equal(t, []string{"e4", "e5"}, response.PV.PVSAN)
	}

	queryAll, queryPV := ts.lookup.counts()
	assert.Equal(t, 1, queryAll)
	assert.Equal(t, 1, queryPV)

	assert.Equal(t, []string{api.CacheNameEval, api.CacheNameCloud}, ts.service.GetPoolServer().GetCacheNames())
}

func TestPoolServerCloudLookupDisabled(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	_, err := ts.client.CloudLookup(ctx, toStruct(t, &api.CloudLookupRequest{FEN: fenStart}))
	require.Error(t, err)
	assert.True(t, commons.IsConfigurationError(commons.StatusToError(err)))

	assert.Equal(t, []string{api.CacheNameEval}, ts.service.GetPoolServer().GetCacheNames())
}

func TestPoolServerCaches(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	stream, err := ts.client.Evaluate(ctx, toStruct(t, &api.EvaluateRequest{FEN: fenStart, Depth: 2}))
	require.NoError(t, err)
	_, err = receiveEvaluation(t, stream)
	require.NoError(t, err)

	responseMessage, err := ts.client.CacheStats(ctx, toStruct(t, &api.CacheRequest{Cache: api.CacheNameEval}))
	require.NoError(t, err)

	response := api.CacheStatsResponse{}
	require.NoError(t, api.FromStruct(responseMessage, &response))
	require.NotNil(t, response.Stats)
	assert.Equal(t, 1, response.Stats.EntryCount)
	assert.Greater(t, response.Stats.TotalBytes, int64(0))

	_, err = ts.client.ClearCache(ctx, toStruct(t, &api.CacheRequest{Cache: api.CacheNameEval}))
	require.NoError(t, err)

	stats, err := ts.service.GetPoolServer().GetCacheStats(ctx, api.CacheNameEval)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntryCount)

	_, err = ts.client.ClearCache(ctx, toStruct(t, &api.CacheRequest{Cache: "nocache"}))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPoolServerEngines(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	ctx := testContext(t)

	_, err := ts.client.SetOption(ctx, toStruct(t, &api.SetOptionRequest{Name: "MultiPV", Value: 2}))
	require.NoError(t, err)

	responseMessage, err := ts.client.Engines(ctx, toStruct(t, &api.Empty{}))
	require.NoError(t, err)

	response := api.EnginesResponse{}
	require.NoError(t, api.FromStruct(responseMessage, &response))
	require.Len(t, response.Engines, 2)
	require.NotNil(t, response.Engines[0].Stat)
	assert.Equal(t, 2, response.Engines[0].Stat.Options.Lines)
	assert.Nil(t, response.Engines[1].Stat)

	ts.service.GetPoolServer().CollectPrometheusMetrics(ctx)
}

func TestAdminRouter(t *testing.T) {
	ts := newTestService(t, newTestConfig())
	router := NewAdminRouter(ts.service.GetPoolServer())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/cache/eval/stats", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"name":"eval"`)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/cache/cloud/stats", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/cache/eval", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/engines", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "fakefish")

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "enginepool_grpc_requests_total")
}

func TestPoolServiceStartOnUnixSocket(t *testing.T) {
	config := newTestConfig()
	config.ServiceEndpoint = "unix://" + t.TempDir() + "/enginepool.sock"

	service, err := NewPoolService(config, fakeProvider(enginetest.NewFakeEngine()), nil)
	require.NoError(t, err)
	defer service.Release()

	require.NoError(t, service.Start())

	_, addr, err := commons.ParsePoolServiceEndpoint(config.ServiceEndpoint)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn, dialErr := net.Dial("unix", addr)
		if dialErr != nil {
			return false
		}
		conn.Close()
		return true
	}, testTimeout, testTick)

	service.Stop()
	service.Stop()
}
