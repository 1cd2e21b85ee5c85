package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-authority/internal/audit/repository"
	"session-authority/internal/platform/rbac"
	"session-authority/internal/server/rpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "session_authority.v1.AuditService"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type ListAuditLogsRequest struct {
	UserID   string `json:"user_id"`
	PageSize int32  `json:"page_size"`
	Offset   int32  `json:"offset"`
}

type AuditLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

type ListAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	NextOffset int32      `json:"next_offset"`
}

// Server implements AuditService.
type Server struct {
	repo repository.Reader
}

// NewServer returns a new Audit gRPC server. If repo is nil, ListAuditLogs returns Unimplemented.
func NewServer(repo repository.Reader) *Server {
	return &Server{repo: repo}
}

// ServiceDesc describes AuditService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Method(ServiceName, "ListAuditLogs", (*Server).ListAuditLogs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "session_authority/v1/audit.proto",
}

// Register registers s on r.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&ServiceDesc, s)
}

// ListAuditLogs returns a page of a user's audit entries, newest first. Users may read their own
// trail; admins may read anyone's. NextOffset is zero on the last page.
func (s *Server) ListAuditLogs(ctx context.Context, req *ListAuditLogsRequest) (*ListAuditLogsResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListAuditLogs not implemented")
	}
	caller, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	userID := req.UserID
	if userID == "" {
		userID = caller.Identity.UID
	}
	if _, err := rbac.RequireSelfOrAdmin(ctx, userID); err != nil {
		return nil, err
	}
	size := req.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if req.Offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset must not be negative")
	}
	list, err := s.repo.ListByUser(ctx, userID, size, req.Offset)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list audit logs")
	}
	out := make([]AuditLog, 0, len(list))
	for _, a := range list {
		out = append(out, AuditLog{
			ID:        a.ID,
			UserID:    a.UserID,
			Action:    a.Action,
			Resource:  a.Resource,
			IP:        a.IP,
			Metadata:  a.Metadata,
			CreatedAt: a.CreatedAt,
		})
	}
	resp := &ListAuditLogsResponse{Logs: out}
	if int32(len(out)) == size {
		resp.NextOffset = req.Offset + size
	}
	return resp, nil
}
