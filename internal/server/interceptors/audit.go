package interceptors

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"session-authority/internal/audit"
	"session-authority/internal/security"
)

// rpcAudit is the metadata of an RPC-level audit entry.
type rpcAudit struct {
	Method string `json:"method"`
	Code   string `json:"code"`
	Admin  bool   `json:"admin,omitempty"`
}

// AuditUnary records an audit entry after each RPC made by an authenticated caller. Methods in
// skipMethods are not recorded; the authority audits admissions and logouts itself.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		p, ok := GetPrincipal(ctx)
		if !ok {
			return resp, err
		}
		target := audit.TargetOf(info.FullMethod)
		meta, _ := json.Marshal(rpcAudit{
			Method: info.FullMethod,
			Code:   status.Code(err).String(),
			Admin:  p.HasRole(security.RoleAdmin),
		})
		logger.LogEvent(ctx, p.Identity.UID, target.Action, target.Resource, string(meta))
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := firstForwarded(vals[0]); s != "" {
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

func firstForwarded(v string) string {
	if i := strings.Index(v, ","); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

