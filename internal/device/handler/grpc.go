package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-authority/internal/audit"
	auditdomain "session-authority/internal/audit/domain"
	"session-authority/internal/device/domain"
	"session-authority/internal/device/repository"
	"session-authority/internal/platform/rbac"
	"session-authority/internal/server/rpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "session_authority.v1.DeviceService"

type BlockDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

type DeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// BlockedDevice is the wire form of a blocked-list entry.
type BlockedDevice struct {
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	BlockedBy string    `json:"blocked_by"`
	CreatedAt time.Time `json:"created_at"`
}

type BlockedDeviceResponse struct {
	Device *BlockedDevice `json:"device"`
}

type ListBlockedDevicesRequest struct{}

type ListBlockedDevicesResponse struct {
	Devices []BlockedDevice `json:"devices"`
}

type Empty struct{}

// Server implements DeviceService: administration of the global blocked-device list. Every RPC
// requires the session admin role.
type Server struct {
	repo        repository.Repository
	auditLogger audit.AuditLogger
}

// NewServer returns a new Device gRPC server. Pass nil repo for stub (Unimplemented).
func NewServer(repo repository.Repository, auditLogger audit.AuditLogger) *Server {
	return &Server{repo: repo, auditLogger: auditLogger}
}

// ServiceDesc describes DeviceService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Method(ServiceName, "BlockDevice", (*Server).BlockDevice),
		rpc.Method(ServiceName, "UnblockDevice", (*Server).UnblockDevice),
		rpc.Method(ServiceName, "GetBlockedDevice", (*Server).GetBlockedDevice),
		rpc.Method(ServiceName, "ListBlockedDevices", (*Server).ListBlockedDevices),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "session_authority/v1/device.proto",
}

// Register registers s on r.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&ServiceDesc, s)
}

// BlockDevice adds a device to the blocked list. Its sessions are refused from the next admission on.
func (s *Server) BlockDevice(ctx context.Context, req *BlockDeviceRequest) (*Empty, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method BlockDevice not implemented")
	}
	p, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	if err := s.repo.Block(ctx, req.DeviceID, req.Reason, p.Identity.UID); err != nil {
		return nil, status.Error(codes.Internal, "failed to block device")
	}
	if s.auditLogger != nil {
		s.auditLogger.LogEvent(ctx, p.Identity.UID, auditdomain.ActionBlock, auditdomain.ResourceDevice, req.DeviceID)
	}
	return &Empty{}, nil
}

// UnblockDevice removes a device from the blocked list.
func (s *Server) UnblockDevice(ctx context.Context, req *DeviceRequest) (*Empty, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method UnblockDevice not implemented")
	}
	p, err := rbac.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	if err := s.repo.Unblock(ctx, req.DeviceID); err != nil {
		return nil, status.Error(codes.Internal, "failed to unblock device")
	}
	if s.auditLogger != nil {
		s.auditLogger.LogEvent(ctx, p.Identity.UID, auditdomain.ActionUnblock, auditdomain.ResourceDevice, req.DeviceID)
	}
	return &Empty{}, nil
}

// GetBlockedDevice returns the blocked-list entry for a device.
func (s *Server) GetBlockedDevice(ctx context.Context, req *DeviceRequest) (*BlockedDeviceResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method GetBlockedDevice not implemented")
	}
	if _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	b, err := s.repo.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to get device")
	}
	if b == nil {
		return nil, status.Error(codes.NotFound, "device is not blocked")
	}
	out := toWire(b)
	return &BlockedDeviceResponse{Device: &out}, nil
}

// ListBlockedDevices returns the whole blocked list ordered by device id.
func (s *Server) ListBlockedDevices(ctx context.Context, req *ListBlockedDevicesRequest) (*ListBlockedDevicesResponse, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListBlockedDevices not implemented")
	}
	if _, err := rbac.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list devices")
	}
	out := make([]BlockedDevice, 0, len(list))
	for _, b := range list {
		out = append(out, toWire(b))
	}
	return &ListBlockedDevicesResponse{Devices: out}, nil
}

func toWire(b *domain.BlockedDevice) BlockedDevice {
	return BlockedDevice{
		DeviceID:  b.DeviceID,
		Reason:    b.Reason,
		BlockedBy: b.BlockedBy,
		CreatedAt: b.CreatedAt,
	}
}
