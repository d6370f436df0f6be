package service

import (
	"context"
	"sync/atomic"

	"github.com/chessdojo/enginepool/utils"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"
)

type PoolServiceStatHandler struct {
	liveConnections int64

	poolServer *PoolServer
}

func (handler *PoolServiceStatHandler) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	return ctx
}

// HandleRPC processes the RPC stats.
func (handler *PoolServiceStatHandler) HandleRPC(context.Context, stats.RPCStats) {
}

func (handler *PoolServiceStatHandler) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	return ctx
}

// HandleConn processes the Conn stats.
func (handler *PoolServiceStatHandler) HandleConn(c context.Context, s stats.ConnStats) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "PoolServiceStatHandler",
		"function": "HandleConn",
	})

	defer utils.StackTraceFromPanic(logger)

	switch s.(type) {
	case *stats.ConnEnd:
		live := atomic.AddInt64(&handler.liveConnections, -1)

		promGaugeForGRPCClients.Dec()

		logger.Infof("Client is disconnected - total %d live connections, %d engine pools", live, handler.poolServer.GetEngineManager().GetTotalPools())

	case *stats.ConnBegin:
		live := atomic.AddInt64(&handler.liveConnections, 1)

		promGaugeForGRPCClients.Inc()

		logger.Infof("Client is connected - total %d connections", live)
	}
}

// GetLiveConnections returns the number of connected clients
func (handler *PoolServiceStatHandler) GetLiveConnections() int64 {
	return atomic.LoadInt64(&handler.liveConnections)
}

func (handler *PoolServiceStatHandler) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, uhandler grpc.UnaryHandler) (interface{}, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "unaryInterceptor",
	})

	// request
	promCounterForGRPCRequests.Inc()

	// Create channels for the response and error
	respChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	// Run the handler in a goroutine
	go func() {
		resp, err := uhandler(ctx, req)
		if err != nil {
			errChan <- err
		} else {
			respChan <- resp
		}
	}()

	// Wait for either the handler to complete or the context to be done
	select {
	case <-ctx.Done():
		// Timeout or cancellation occurred
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			logger.Errorf("Handler %q did not return within timeout", info.FullMethod)
			promCounterForGRPCRequestsTimedout.Inc()
			return nil, status.Error(codes.DeadlineExceeded, "RPC timed out")
		}

		logger.Errorf("Handler %q canceled", info.FullMethod)
		promCounterForGRPCRequestsCanceled.Inc()
		return nil, status.Error(codes.Canceled, "RPC canceled")
	case err := <-errChan:
		// response
		promCounterForGRPCResponses.Inc()
		return nil, err
	case resp := <-respChan:
		// response
		promCounterForGRPCResponses.Inc()
		return resp, nil
	}
}

// StreamInterceptor counts streaming calls, the evaluation stream ends on its own when the client goes away
func (handler *PoolServiceStatHandler) StreamInterceptor(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, shandler grpc.StreamHandler) error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "streamInterceptor",
	})

	promCounterForGRPCRequests.Inc()

	err := shandler(srv, stream)

	promCounterForGRPCResponses.Inc()

	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			promCounterForGRPCRequestsTimedout.Inc()
		case codes.Canceled:
			promCounterForGRPCRequestsCanceled.Inc()
		}

		logger.Debugf("Stream %q ended with %v", info.FullMethod, err)
	}

	return err
}
