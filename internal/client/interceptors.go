package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// forwardedKeys are the incoming metadata keys propagated to downstream
// services.
var forwardedKeys = []string{"authorization", "x-user-id", "x-request-id"}

// forwardMetadata is a gRPC unary client interceptor that propagates the
// caller's auth token, user and request ID to service-to-service calls.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		var pairs []string
		for _, key := range forwardedKeys {
			for _, v := range md.Get(key) {
				pairs = append(pairs, key, v)
			}
		}
		if len(pairs) > 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
		}
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
