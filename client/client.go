package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/chessdojo/enginepool/commons"
	"github.com/chessdojo/enginepool/engine"
	"github.com/chessdojo/enginepool/service/api"
	"github.com/chessdojo/enginepool/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	messageRWLengthMax int = 8 * 1024 * 1024 // 8MB

	localResultCacheTimeout time.Duration = 1 * time.Minute

	clientIDMetadataKey string = "enginepool-client-id"
)

// ContextDialer dials the service address
type ContextDialer func(ctx context.Context, addr string) (net.Conn, error)

// PoolServiceClient is a client of pool service
type PoolServiceClient struct {
	id               string
	address          string // tcp://host:port or unix:///path
	operationTimeout time.Duration
	contextDialer    ContextDialer
	grpcConnection   *grpc.ClientConn
	apiClient        api.EnginePoolAPIClient
	resultCache      *ResultCache
	connected        bool
}

// PartialEvalCallback receives intermediate evaluations
type PartialEvalCallback func(eval *engine.PositionEval)

// NewPoolServiceClient creates a new pool service client
func NewPoolServiceClient(address string, operationTimeout time.Duration, clientID string) *PoolServiceClient {
	if len(clientID) == 0 {
		clientID = xid.New().String()
	}

	return &PoolServiceClient{
		id:               clientID,
		address:          address,
		operationTimeout: operationTimeout,
		grpcConnection:   nil,
		resultCache:      NewResultCache(localResultCacheTimeout, localResultCacheTimeout),
		connected:        false,
	}
}

// SetContextDialer replaces the network dialer, must be called before Connect
func (client *PoolServiceClient) SetContextDialer(dialer ContextDialer) {
	client.contextDialer = dialer
}

// GetID returns client id
func (client *PoolServiceClient) GetID() string {
	return client.id
}

// IsConnected returns true if connected
func (client *PoolServiceClient) IsConnected() bool {
	return client.connected
}

// Connect connects to pool service
func (client *PoolServiceClient) Connect() error {
	logger := log.WithFields(log.Fields{
		"package":  "client",
		"struct":   "PoolServiceClient",
		"function": "Connect",
	})

	defer utils.StackTraceFromPanic(logger)

	client.connected = false

	scheme, addr, err := commons.ParsePoolServiceEndpoint(client.address)
	if err != nil {
		return err
	}

	target := "passthrough:///" + addr
	if scheme == "unix" {
		target = "unix://" + addr
	}

	options := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(messageRWLengthMax), grpc.MaxCallSendMsgSize(messageRWLengthMax)),
	}

	if client.contextDialer != nil {
		target = "passthrough:///" + addr
		options = append(options, grpc.WithContextDialer(client.contextDialer))
	}

	conn, err := grpc.NewClient(target, options...)
	if err != nil {
		grpcErr := xerrors.Errorf("failed to dial to %q: %w", client.address, err)
		logger.Errorf("%+v", grpcErr)
		return grpcErr
	}

	client.grpcConnection = conn
	client.apiClient = api.NewEnginePoolAPIClient(conn)
	client.connected = true
	return nil
}

// Disconnect disconnects connection from pool service
func (client *PoolServiceClient) Disconnect() {
	if client.apiClient != nil {
		client.apiClient = nil
	}

	if client.grpcConnection != nil {
		client.grpcConnection.Close()
		client.grpcConnection = nil
	}

	client.connected = false
}

// disconnected unintentionally
func (client *PoolServiceClient) disconnected() {
	client.connected = false

	// clear all cache
	client.resultCache.ClearEvalCache()
	client.resultCache.ClearCloudCache()
}

func (client *PoolServiceClient) withClientID(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, clientIDMetadataKey, client.id)
}

func (client *PoolServiceClient) getContextWithDeadline() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), client.operationTimeout)
	return client.withClientID(ctx), cancel
}

func (client *PoolServiceClient) checkConnected() error {
	if client.apiClient == nil {
		return xerrors.Errorf("client is not connected to %q", client.address)
	}
	return nil
}

func (client *PoolServiceClient) handleError(logger *log.Entry, err error) error {
	if commons.IsDisconnectedError(err) {
		client.disconnected()
	}

	logger.Debugf("%+v", err)
	return commons.StatusToError(err)
}

// Evaluate evaluates a position, partial evaluations are passed to callback as the engine searches.
// ctx bounds the whole evaluation, the operation timeout does not apply.
func (client *PoolServiceClient) Evaluate(ctx context.Context, request *api.EvaluateRequest, callback PartialEvalCallback) (*api.EvaluateResponse, error) {
	logger := log.WithFields(log.Fields{
		"package":  "client",
		"struct":   "PoolServiceClient",
		"function": "Evaluate",
	})

	defer utils.StackTraceFromPanic(logger)

	err := client.checkConnected()
	if err != nil {
		return nil, err
	}

	if eval := client.resultCache.GetEvalCache(request.FEN, request.Engine, request.Depth, request.Lines); eval != nil {
		return &api.EvaluateResponse{Partial: false, Cached: true, Eval: eval}, nil
	}

	message, err := api.ToStruct(request)
	if err != nil {
		return nil, err
	}

	stream, err := client.apiClient.Evaluate(client.withClientID(ctx), message)
	if err != nil {
		return nil, client.handleError(logger, err)
	}

	for {
		responseMessage, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil, xerrors.Errorf("evaluation stream of %q ended without a final result", request.FEN)
			}
			return nil, client.handleError(logger, err)
		}

		response := api.EvaluateResponse{}
		err = api.FromStruct(responseMessage, &response)
		if err != nil {
			return nil, err
		}

		if response.Partial {
			if callback != nil && response.Eval != nil {
				callback(response.Eval)
			}
			continue
		}

		if response.Eval != nil {
			client.resultCache.AddEvalCache(request.Engine, response.Eval)
		}
		return &response, nil
	}
}

func (client *PoolServiceClient) invokeUnary(function string, call func(ctx context.Context) error) error {
	logger := log.WithFields(log.Fields{
		"package":  "client",
		"struct":   "PoolServiceClient",
		"function": function,
	})

	defer utils.StackTraceFromPanic(logger)

	err := client.checkConnected()
	if err != nil {
		return err
	}

	ctx, cancel := client.getContextWithDeadline()
	defer cancel()

	err = call(ctx)
	if err != nil {
		return client.handleError(logger, err)
	}
	return nil
}

// SetOption sets a global option of an engine pool
func (client *PoolServiceClient) SetOption(engineName string, name string, value int) error {
	message, err := api.ToStruct(&api.SetOptionRequest{Engine: engineName, Name: name, Value: value})
	if err != nil {
		return err
	}

	return client.invokeUnary("SetOption", func(ctx context.Context) error {
		_, err := client.apiClient.SetOption(ctx, message)
		return err
	})
}

// StopAll stops every evaluation of an engine pool
func (client *PoolServiceClient) StopAll(engineName string) error {
	message, err := api.ToStruct(&api.EngineRequest{Engine: engineName})
	if err != nil {
		return err
	}

	return client.invokeUnary("StopAll", func(ctx context.Context) error {
		_, err := client.apiClient.StopAll(ctx, message)
		return err
	})
}

// CloudLookup returns candidate moves and best line of a position from the cloud database
func (client *PoolServiceClient) CloudLookup(fen string) (*api.CloudLookupResponse, error) {
	if response := client.resultCache.GetCloudCache(fen); response != nil {
		return response, nil
	}

	message, err := api.ToStruct(&api.CloudLookupRequest{FEN: fen})
	if err != nil {
		return nil, err
	}

	response := api.CloudLookupResponse{}
	err = client.invokeUnary("CloudLookup", func(ctx context.Context) error {
		responseMessage, err := client.apiClient.CloudLookup(ctx, message)
		if err != nil {
			return err
		}
		return api.FromStruct(responseMessage, &response)
	})
	if err != nil {
		return nil, err
	}

	client.resultCache.AddCloudCache(fen, &response)
	return &response, nil
}

// CacheStats returns stats of a service cache, "eval" or "cloud"
func (client *PoolServiceClient) CacheStats(cacheName string) (*api.CacheStatsResponse, error) {
	message, err := api.ToStruct(&api.CacheRequest{Cache: cacheName})
	if err != nil {
		return nil, err
	}

	response := api.CacheStatsResponse{}
	err = client.invokeUnary("CacheStats", func(ctx context.Context) error {
		responseMessage, err := client.apiClient.CacheStats(ctx, message)
		if err != nil {
			return err
		}
		return api.FromStruct(responseMessage, &response)
	})
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// ClearCache clears a service cache and the matching local results
func (client *PoolServiceClient) ClearCache(cacheName string) error {
	message, err := api.ToStruct(&api.CacheRequest{Cache: cacheName})
	if err != nil {
		return err
	}

	err = client.invokeUnary("ClearCache", func(ctx context.Context) error {
		_, err := client.apiClient.ClearCache(ctx, message)
		return err
	})
	if err != nil {
		return err
	}

	switch cacheName {
	case api.CacheNameEval:
		client.resultCache.ClearEvalCache()
	case api.CacheNameCloud:
		client.resultCache.ClearCloudCache()
	}
	return nil
}

// Engines lists configured engines
func (client *PoolServiceClient) Engines() ([]api.EngineInfo, error) {
	message, err := api.ToStruct(&api.Empty{})
	if err != nil {
		return nil, err
	}

	response := api.EnginesResponse{}
	err = client.invokeUnary("Engines", func(ctx context.Context) error {
		responseMessage, err := client.apiClient.Engines(ctx, message)
		if err != nil {
			return err
		}
		return api.FromStruct(responseMessage, &response)
	})
	if err != nil {
		return nil, err
	}

	return response.Engines, nil
}
