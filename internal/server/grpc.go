package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-authority/internal/audit"
	audithandler "session-authority/internal/audit/handler"
	auditrepo "session-authority/internal/audit/repository"
	devicehandler "session-authority/internal/device/handler"
	devicerepo "session-authority/internal/device/repository"
	healthhandler "session-authority/internal/health/handler"
	policyhandler "session-authority/internal/policy/handler"
	policyrepo "session-authority/internal/policy/repository"
	"session-authority/internal/server/interceptors"
	sessionhandler "session-authority/internal/session/handler"
	"session-authority/internal/telemetry"
)

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Authority backs SessionService. If nil, session RPCs return Unimplemented.
	Authority sessionhandler.Authority
	// DeviceRepo is the blocked-device list for DeviceService. If nil, device RPCs return Unimplemented.
	DeviceRepo devicerepo.Repository
	// PolicyRepo is the policy repository for PolicyService. If nil, policy RPCs return Unimplemented.
	PolicyRepo policyrepo.Repository
	// AuditRepo backs AuditService. If nil, ListAuditLogs returns Unimplemented.
	AuditRepo auditrepo.Reader
	// AuditLogger records admin changes made through DeviceService and PolicyService.
	AuditLogger audit.AuditLogger
	// HealthPinger is used by the health service for readiness (e.g. *sql.DB). If nil, the ping is skipped.
	HealthPinger healthhandler.Pinger
	// HealthPolicyChecker is used by the health service for readiness (e.g. the OPA evaluator).
	HealthPolicyChecker healthhandler.PolicyChecker
}

// RegisterServices registers every gRPC service with the given server.
//
// Service → handler mapping:
//   - SessionService → internal/session/handler
//   - DeviceService  → internal/device/handler
//   - PolicyService  → internal/policy/handler
//   - AuditService   → internal/audit/handler
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	sessionhandler.Register(s, sessionhandler.NewServer(deps.Authority))
	devicehandler.Register(s, devicehandler.NewServer(deps.DeviceRepo, deps.AuditLogger))
	policyhandler.Register(s, policyhandler.NewServer(deps.PolicyRepo, deps.AuditLogger))
	audithandler.Register(s, audithandler.NewServer(deps.AuditRepo))
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.HealthPinger, deps.HealthPolicyChecker))
}

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthListMethod  = "/grpc.health.v1.Health/List"
)

// PublicMethods need no identity token.
var PublicMethods = methodSet(healthCheckMethod, healthListMethod)

// unauditedMethods are too frequent or too uninteresting for the audit trail. Admissions and
// logouts are audited by the authority itself with richer metadata.
var unauditedMethods = methodSet(
	healthCheckMethod,
	healthListMethod,
	"/"+sessionhandler.ServiceName+"/Admit",
	"/"+sessionhandler.ServiceName+"/Heartbeat",
	"/"+sessionhandler.ServiceName+"/GetStatus",
	"/"+sessionhandler.ServiceName+"/Logout",
	"/"+audithandler.ServiceName+"/ListAuditLogs",
)

var untracedMethods = methodSet(healthCheckMethod, healthListMethod)

func methodSet(methods ...string) map[string]bool {
	m := make(map[string]bool, len(methods))
	for _, name := range methods {
		m[name] = true
	}
	return m
}

// Options configure the interceptor chain of NewGRPCServer.
type Options struct {
	// Verifier checks Bearer identity tokens. Required.
	Verifier interceptors.TokenVerifier
	// AuditLogger records authenticated RPCs. Optional.
	AuditLogger audit.AuditLogger
	// Events receives grpc_request events. Optional.
	Events telemetry.EventEmitter
}

// NewGRPCServer returns a gRPC server with the auth, audit and telemetry interceptors chained in
// that order and OpenTelemetry instrumentation on every RPC.
func NewGRPCServer(opts Options, extra ...grpc.ServerOption) *grpc.Server {
	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(opts.Verifier, PublicMethods),
			interceptors.AuditUnary(opts.AuditLogger, unauditedMethods),
			interceptors.TelemetryUnary(opts.Events, untracedMethods),
		),
	}
	return grpc.NewServer(append(serverOpts, extra...)...)
}
