// Package transport carries membership envelopes between nodes over gRPC.
// There is a single unary method; the envelope is encoded by the wire
// codec, selected through the call's content subtype.
package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sharelift/pkg/wire"
)

const (
	serviceName   = "sharelift.Membership"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// Handler processes an incoming envelope and returns the reply, or nil when
// there is nothing to answer.
type Handler interface {
	Handle(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sharelift/membership",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return deliver(ctx, srv.(Handler), in)
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return deliver(ctx, srv.(Handler), req.(*wire.Envelope))
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	return interceptor(ctx, in, info, handler)
}

func deliver(ctx context.Context, h Handler, in *wire.Envelope) (*wire.Envelope, error) {
	if err := in.CheckVersion(); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	reply, err := h.Handle(ctx, in)
	switch {
	case errors.Is(err, wire.ErrMalformed):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	case reply == nil:
		return &wire.Envelope{Type: wire.TypeUnknown}, nil
	}
	return reply, nil
}

// loggingInterceptor logs failed deliveries at debug level.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			env, _ := req.(*wire.Envelope)
			fields := []zap.Field{zap.String("method", info.FullMethod), zap.Error(err)}
			if env != nil {
				fields = append(fields, zap.String("from", env.From), zap.Stringer("message", env.Type))
			}
			logger.Debug("Delivery failed", fields...)
		}
		return resp, err
	}
}
