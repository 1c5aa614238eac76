package rpc

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	ServiceName     = "estimo.Predictions"
	RequestIDHeader = "x-request-id"
)

// PredictionsServer is the server API of estimo.Predictions.
type PredictionsServer interface {
	Predict(context.Context, *PredictRequest) (*PredictResponse, error)
	PredictBatch(context.Context, *PredictBatchRequest) (*PredictBatchResponse, error)
	PredictTags(context.Context, *PredictTagsRequest) (*TagsResponse, error)
	GetTags(context.Context, *Empty) (*TagsResponse, error)
	Refit(context.Context, *RefitRequest) (*RefitResponse, error)
}

var _ PredictionsServer = (*Handler)(nil)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds a method descriptor that decodes Req, runs call through the
// interceptor chain and converts service errors to statuses.
func unary[Req, Resp any](name string, call func(PredictionsServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(PredictionsServer), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictionsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Predict", PredictionsServer.Predict),
		unary("PredictBatch", PredictionsServer.PredictBatch),
		unary("PredictTags", PredictionsServer.PredictTags),
		unary("GetTags", PredictionsServer.GetTags),
		unary("Refit", PredictionsServer.Refit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "estimo/predictions",
}

func RegisterPredictionsServer(s grpc.ServiceRegistrar, srv PredictionsServer) {
	s.RegisterService(&serviceDesc, srv)
}

// NewServer returns a gRPC server with the predictions service registered
// and request logging and metrics installed.
func NewServer(srv PredictionsServer, log *logger.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logger.NewNop()
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryServerInterceptor(log))}, opts...)
	s := grpc.NewServer(opts...)
	RegisterPredictionsServer(s, srv)
	return s
}

// UnaryServerInterceptor tags every call with a request id, logs it and
// records its code and latency.
func UnaryServerInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 {
				requestID = ids[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		method := path.Base(info.FullMethod)
		code := status.Code(err)
		metrics.RecordGRPCRequest(method, code.String(), duration)

		fields := []any{
			"request_id", requestID,
			"method", method,
			"code", code.String(),
			"duration", duration,
		}
		if err != nil {
			log.Warn("grpc request failed", append(fields, "error", err)...)
		} else {
			log.Debug("grpc request", fields...)
		}

		return resp, err
	}
}
