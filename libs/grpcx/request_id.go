package grpcx

import (
	"context"

	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"google.golang.org/grpc/metadata"
)

// RequestIDMetadataKey is the gRPC metadata twin of httpx.RequestIDHeader.
const RequestIDMetadataKey = "x-request-id"

// RequestIDFromContext shares its context slot with httpx, so code below the
// transport reads one id whichever way the call arrived.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

// incomingRequestID returns the caller's id, or a fresh one.
func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return httpx.NewRequestID()
}

// OutgoingRequestID forwards the id carried by ctx to a downstream gRPC call.
func OutgoingRequestID(ctx context.Context) context.Context {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
}
