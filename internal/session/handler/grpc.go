package handler

import (
	"context"
	"errors"
	"net"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/authority/service"
	devicedomain "session-authority/internal/device/domain"
	"session-authority/internal/geo"
	"session-authority/internal/platform/rbac"
	"session-authority/internal/security"
	"session-authority/internal/server/interceptors"
	"session-authority/internal/server/rpc"
	"session-authority/internal/session/domain"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "session_authority.v1.SessionService"

// ErrorDomain is the errdetails.ErrorInfo domain of the named admission failures.
const ErrorDomain = "session-authority"

// Reasons carried in errdetails.ErrorInfo so clients can tell the named failures apart.
const (
	ReasonDeviceBlocked  = "DEVICE_BLOCKED"
	ReasonSessionRevoked = "SESSION_REVOKED"
	ReasonDeviceLimit    = "DEVICE_LIMIT"
)

// Authority is the session authority behind the handler.
type Authority interface {
	Admit(ctx context.Context, req authoritydomain.AdmitRequest) (*authoritydomain.Admission, error)
	Heartbeat(ctx context.Context, userID, deviceID string) error
	Logout(ctx context.Context, userID, deviceID string)
	Status(ctx context.Context, userID, deviceID string) (authoritydomain.Status, error)
	Reconcile(ctx context.Context, userID string) (int, error)
	Get(ctx context.Context, recordID string) (*domain.Record, error)
	Revoke(ctx context.Context, recordID, revokedBy string) (*domain.Record, error)
	ListActive(ctx context.Context, userID string) ([]domain.Record, error)
	MaxDevices() int
}

// AdmitRequest asks to admit the calling user on a device. AutoCheck marks background liveness checks.
type AdmitRequest struct {
	Device    devicedomain.Identity `json:"device"`
	AutoCheck bool                  `json:"auto_check"`
}

type AdmitResponse struct {
	Outcome        string        `json:"outcome"`
	Session        domain.Record `json:"session"`
	Recovered      bool          `json:"recovered"`
	ActiveSessions int           `json:"active_sessions"`
	MaxDevices     int           `json:"max_devices"`
	Geo            geo.Info      `json:"geo"`
}

type DeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// UserRequest targets a user; empty means the caller.
type UserRequest struct {
	UserID string `json:"user_id"`
}

type ReconcileResponse struct {
	UserID         string `json:"user_id"`
	ActiveSessions int    `json:"active_sessions"`
}

type ListSessionsResponse struct {
	Sessions []domain.Record `json:"sessions"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	Session domain.Record `json:"session"`
}

// Empty is the response of RPCs that return nothing.
type Empty struct{}

// Server implements SessionService: admission, heartbeat, status and logout for the calling device,
// plus reconcile, listing and revocation for the caller's own sessions or, for admins, anyone's.
type Server struct {
	authority Authority
}

// NewServer returns a SessionService server. If authority is nil, all RPCs return Unimplemented.
func NewServer(authority Authority) *Server {
	return &Server{authority: authority}
}

// ServiceDesc describes SessionService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Method(ServiceName, "Admit", (*Server).Admit),
		rpc.Method(ServiceName, "Heartbeat", (*Server).Heartbeat),
		rpc.Method(ServiceName, "Logout", (*Server).Logout),
		rpc.Method(ServiceName, "GetStatus", (*Server).GetStatus),
		rpc.Method(ServiceName, "ReconcileUser", (*Server).ReconcileUser),
		rpc.Method(ServiceName, "ListSessions", (*Server).ListSessions),
		rpc.Method(ServiceName, "RevokeSession", (*Server).RevokeSession),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "session_authority/v1/session.proto",
}

// Register registers s on r.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&ServiceDesc, s)
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// Admit admits the caller's device. Named refusals carry an ErrorInfo detail.
func (s *Server) Admit(ctx context.Context, req *AdmitRequest) (*AdmitResponse, error) {
	if s.authority == nil {
		return nil, unimplemented("Admit")
	}
	p, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	adm, err := s.authority.Admit(ctx, authoritydomain.AdmitRequest{
		User:      p.Identity,
		Device:    req.Device,
		ClientIP:  clientIP(ctx),
		AutoCheck: req.AutoCheck,
	})
	if err != nil {
		return nil, statusFromError(err, "failed to admit session")
	}
	return &AdmitResponse{
		Outcome:        string(adm.Outcome),
		Session:        adm.Record,
		Recovered:      adm.Recovered,
		ActiveSessions: adm.ActiveSessions,
		MaxDevices:     s.authority.MaxDevices(),
		Geo:            adm.Geo,
	}, nil
}

// Heartbeat touches the caller's active session on the device.
func (s *Server) Heartbeat(ctx context.Context, req *DeviceRequest) (*Empty, error) {
	if s.authority == nil {
		return nil, unimplemented("Heartbeat")
	}
	p, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	if err := s.authority.Heartbeat(ctx, p.Identity.UID, req.DeviceID); err != nil {
		return nil, statusFromError(err, "failed to record heartbeat")
	}
	return &Empty{}, nil
}

// Logout ends the caller's session on the device. It always succeeds for an authenticated caller.
func (s *Server) Logout(ctx context.Context, req *DeviceRequest) (*Empty, error) {
	if s.authority == nil {
		return nil, unimplemented("Logout")
	}
	p, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	s.authority.Logout(ctx, p.Identity.UID, req.DeviceID)
	return &Empty{}, nil
}

// GetStatus reports whether the caller's session on the device is active or revoked.
func (s *Server) GetStatus(ctx context.Context, req *DeviceRequest) (*StatusResponse, error) {
	if s.authority == nil {
		return nil, unimplemented("GetStatus")
	}
	p, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	st, err := s.authority.Status(ctx, p.Identity.UID, req.DeviceID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to read session status")
	}
	return &StatusResponse{Status: string(st)}, nil
}

// ReconcileUser recomputes the active session counter of the caller or, for admins, any user.
func (s *Server) ReconcileUser(ctx context.Context, req *UserRequest) (*ReconcileResponse, error) {
	if s.authority == nil {
		return nil, unimplemented("ReconcileUser")
	}
	userID, err := targetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	n, err := s.authority.Reconcile(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to reconcile sessions")
	}
	return &ReconcileResponse{UserID: userID, ActiveSessions: n}, nil
}

// ListSessions returns the active sessions of the caller or, for admins, any user.
func (s *Server) ListSessions(ctx context.Context, req *UserRequest) (*ListSessionsResponse, error) {
	if s.authority == nil {
		return nil, unimplemented("ListSessions")
	}
	userID, err := targetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	list, err := s.authority.ListActive(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to list sessions")
	}
	if list == nil {
		list = []domain.Record{}
	}
	return &ListSessionsResponse{Sessions: list}, nil
}

// RevokeSession ends a session remotely. Users may revoke their own sessions; admins any session.
func (s *Server) RevokeSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	if s.authority == nil {
		return nil, unimplemented("RevokeSession")
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id required")
	}
	p, err := rbac.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.authority.Get(ctx, req.SessionID)
	if errors.Is(err, service.ErrSessionNotFound) && !p.HasRole(security.RoleAdmin) {
		// Same answer as another user's session, so ids cannot be enumerated.
		return nil, errOtherUsersSession
	}
	if err != nil {
		return nil, statusFromError(err, "failed to get session")
	}
	if rec.UserID != p.Identity.UID && !p.HasRole(security.RoleAdmin) {
		return nil, errOtherUsersSession
	}
	rec, err = s.authority.Revoke(ctx, req.SessionID, p.Identity.UID)
	if err != nil {
		return nil, statusFromError(err, "failed to revoke session")
	}
	return &SessionResponse{Session: *rec}, nil
}

var errOtherUsersSession = status.Error(codes.PermissionDenied, "cannot act on another user's sessions")

func targetUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		p, err := rbac.RequireUser(ctx)
		if err != nil {
			return "", err
		}
		return p.Identity.UID, nil
	}
	if _, err := rbac.RequireSelfOrAdmin(ctx, userID); err != nil {
		return "", err
	}
	return userID, nil
}

// clientIP is the transport-observed address, or geo.UnknownValue when it is not an IP.
func clientIP(ctx context.Context) string {
	ip := interceptors.ClientIP(ctx)
	if net.ParseIP(ip) == nil {
		return geo.UnknownValue
	}
	return ip
}

// statusFromError maps authority errors to gRPC status. Unknown errors become Internal with msg.
func statusFromError(err error, msg string) error {
	var limitErr *service.DeviceLimitError
	var blockedErr *service.BlockedError
	switch {
	case errors.As(err, &limitErr):
		return withInfo(codes.ResourceExhausted, limitErr.Error(), ReasonDeviceLimit, map[string]string{
			"max_devices":     strconv.Itoa(limitErr.MaxDevices),
			"active_sessions": strconv.Itoa(limitErr.ActiveSessions),
			"record_id":       limitErr.RecordID,
		})
	case errors.As(err, &blockedErr):
		meta := map[string]string{}
		for i, r := range blockedErr.Reasons {
			meta["reason_"+strconv.Itoa(i)] = r
		}
		return withInfo(codes.PermissionDenied, blockedErr.Error(), ReasonDeviceBlocked, meta)
	case errors.Is(err, service.ErrDeviceBlocked):
		return withInfo(codes.PermissionDenied, err.Error(), ReasonDeviceBlocked, nil)
	case errors.Is(err, service.ErrSessionRevoked):
		return withInfo(codes.Unauthenticated, err.Error(), ReasonSessionRevoked, nil)
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		return status.Error(codes.NotFound, "session not found")
	default:
		return status.Error(codes.Internal, msg)
	}
}

func withInfo(code codes.Code, msg, reason string, meta map[string]string) error {
	st := status.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain, Metadata: meta})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// Reason returns the ErrorInfo reason carried by a status error from this service, or "".
func Reason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}
