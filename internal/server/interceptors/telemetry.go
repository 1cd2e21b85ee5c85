package interceptors

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-authority/internal/telemetry"
	"session-authority/internal/telemetry/domain"
)

// SlowRequest marks grpc_request events whose handler took at least this long.
const SlowRequest = 500 * time.Millisecond

type requestEvent struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	Slow       bool   `json:"slow,omitempty"`
	ClientIP   string `json:"client_ip"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// TelemetryUnary emits a grpc_request event after each RPC not in skipMethods. A nil emitter
// makes it a pass-through.
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if emitter == nil || skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		meta, _ := json.Marshal(requestEvent{
			FullMethod: info.FullMethod,
			StatusCode: status.Code(err).String(),
			DurationMs: elapsed.Milliseconds(),
			Slow:       elapsed >= SlowRequest,
			ClientIP:   ClientIP(ctx),
			UserAgent:  userAgent(ctx),
		})
		userID, _ := GetUserID(ctx)
		telemetry.EmitAsync(emitter, ctx, &domain.Event{
			UserID:    userID,
			EventType: domain.EventGRPCRequest,
			Source:    "grpc_interceptor",
			Metadata:  meta,
		})
		return resp, err
	}
}

func userAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("user-agent"); len(v) > 0 {
		return v[0]
	}
	return ""
}
