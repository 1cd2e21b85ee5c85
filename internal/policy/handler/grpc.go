package handler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-authority/internal/audit"
	auditdomain "session-authority/internal/audit/domain"
	"session-authority/internal/platform/rbac"
	"session-authority/internal/policy/domain"
	"session-authority/internal/policy/engine"
	"session-authority/internal/policy/repository"
	"session-authority/internal/server/rpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "session_authority.v1.PolicyService"

type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Rules     string    `json:"rules"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type CreatePolicyRequest struct {
	Name    string `json:"name"`
	Rules   string `json:"rules"`
	Enabled bool   `json:"enabled"`
}

type PolicyRequest struct {
	PolicyID string `json:"policy_id"`
}

type SetPolicyEnabledRequest struct {
	PolicyID string `json:"policy_id"`
	Enabled  bool   `json:"enabled"`
}

type PolicyResponse struct {
	Policy Policy `json:"policy"`
}

type ListPoliciesRequest struct{}

type Empty struct{}

type ListPoliciesResponse struct {
	Policies []Policy `json:"policies"`
}

// Server implements PolicyService: admin management of the Rego modules layered over the
// blocked-device list at admission.
type Server struct {
	repo        repository.Repository
	auditLogger audit.AuditLogger
}

// NewServer returns a new Policy gRPC server. If repo is nil, all RPCs return Unimplemented.
func NewServer(repo repository.Repository, auditLogger audit.AuditLogger) *Server {
	return &Server{repo: repo, auditLogger: auditLogger}
}

// ServiceDesc describes PolicyService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Method(ServiceName, "CreatePolicy", (*Server).CreatePolicy),
		rpc.Method(ServiceName, "GetPolicy", (*Server).GetPolicy),
		rpc.Method(ServiceName, "SetPolicyEnabled", (*Server).SetPolicyEnabled),
		rpc.Method(ServiceName, "ListPolicies", (*Server).ListPolicies),
		rpc.Method(ServiceName, "DeletePolicy", (*Server).DeletePolicy),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "session_authority/v1/policy.proto",
}

// Register registers s on r.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&ServiceDesc, s)
}

// CreatePolicy stores a new policy after checking that it compiles next to the built-in policy.
func (s *Server) CreatePolicy(ctx context.Context, req *CreatePolicyRequest) (*PolicyResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method CreatePolicy not implemented")
	}
	caller, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Rules) == "" {
		return nil, status.Error(codes.InvalidArgument, "rules required")
	}
	if err := engine.Validate(req.Rules); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid policy: %v", err)
	}
	p := &domain.Policy{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Rules:     req.Rules,
		Enabled:   req.Enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, status.Error(codes.Internal, "failed to create policy")
	}
	if s.auditLogger != nil {
		s.auditLogger.LogEvent(ctx, caller.Identity.UID, auditdomain.ActionCreate, auditdomain.ResourcePolicy, p.ID)
	}
	return &PolicyResponse{Policy: toWire(p)}, nil
}

// GetPolicy returns a policy by id.
func (s *Server) GetPolicy(ctx context.Context, req *PolicyRequest) (*PolicyResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetPolicy not implemented")
	}
	if _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	p, err := s.get(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	return &PolicyResponse{Policy: toWire(p)}, nil
}

// SetPolicyEnabled turns a policy on or off. The change applies from the next admission.
func (s *Server) SetPolicyEnabled(ctx context.Context, req *SetPolicyEnabledRequest) (*PolicyResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method SetPolicyEnabled not implemented")
	}
	caller, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.get(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetEnabled(ctx, p.ID, req.Enabled); err != nil {
		return nil, status.Error(codes.Internal, "failed to update policy")
	}
	p.Enabled = req.Enabled
	if s.auditLogger != nil {
		action := auditdomain.ActionDisable
		if req.Enabled {
			action = auditdomain.ActionEnable
		}
		s.auditLogger.LogEvent(ctx, caller.Identity.UID, action, auditdomain.ResourcePolicy, p.ID)
	}
	return &PolicyResponse{Policy: toWire(p)}, nil
}

// ListPolicies returns every policy in creation order.
func (s *Server) ListPolicies(ctx context.Context, req *ListPoliciesRequest) (*ListPoliciesResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListPolicies not implemented")
	}
	if _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list policies")
	}
	out := make([]Policy, 0, len(list))
	for _, p := range list {
		out = append(out, toWire(p))
	}
	return &ListPoliciesResponse{Policies: out}, nil
}

// DeletePolicy removes a policy. Deleting an unknown id is NotFound.
func (s *Server) DeletePolicy(ctx context.Context, req *PolicyRequest) (*Empty, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method DeletePolicy not implemented")
	}
	caller, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.get(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, p.ID); err != nil {
		return nil, status.Error(codes.Internal, "failed to delete policy")
	}
	if s.auditLogger != nil {
		s.auditLogger.LogEvent(ctx, caller.Identity.UID, auditdomain.ActionDelete, auditdomain.ResourcePolicy, p.ID)
	}
	return &Empty{}, nil
}

func (s *Server) get(ctx context.Context, id string) (*domain.Policy, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "policy_id required")
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to get policy")
	}
	if p == nil {
		return nil, status.Error(codes.NotFound, "policy not found")
	}
	return p, nil
}

func toWire(p *domain.Policy) Policy {
	return Policy{ID: p.ID, Name: p.Name, Rules: p.Rules, Enabled: p.Enabled, CreatedAt: p.CreatedAt}
}
