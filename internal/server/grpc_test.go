package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"session-authority/internal/audit"
	auditrepo "session-authority/internal/audit/repository"
	"session-authority/internal/authority/service"
	devicedomain "session-authority/internal/device/domain"
	devicehandler "session-authority/internal/device/handler"
	devicerepo "session-authority/internal/device/repository"
	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/security"
	"session-authority/internal/server/rpc"
	sessionhandler "session-authority/internal/session/handler"
	sessionrepo "session-authority/internal/session/repository"
	userrepo "session-authority/internal/user/repository"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices_NilDependencies(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})

	want := []string{
		"session_authority.v1.SessionService",
		"session_authority.v1.DeviceService",
		"session_authority.v1.PolicyService",
		"session_authority.v1.AuditService",
		"grpc.health.v1.Health",
	}
	if len(reg.services) != len(want) {
		t.Fatalf("registered %v, want %v", reg.services, want)
	}
	for i := range want {
		if reg.services[i] != want[i] {
			t.Errorf("service[%d] = %q, want %q", i, reg.services[i], want[i])
		}
	}
}

type harness struct {
	conn    *grpc.ClientConn
	issuer  *security.Issuer
	blocked *devicerepo.MemoryRepository
	audits  *auditrepo.MemoryRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, verifier, err := security.NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	h := &harness{
		issuer:  issuer,
		blocked: devicerepo.NewMemoryRepository(),
		audits:  auditrepo.NewMemoryRepository(),
	}
	auditLogger := audit.NewLogger(h.audits, nil, nil)
	svc := service.New(service.Deps{
		Sessions:  sessionrepo.NewMemoryRepository(),
		Accounts:  userrepo.NewMemoryRepository(),
		BlockList: h.blocked,
		Audit:     auditLogger,
	}, service.Config{MaxDevices: 2})

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(Options{Verifier: verifier, AuditLogger: auditLogger})
	RegisterServices(srv, Deps{
		Authority:   svc,
		DeviceRepo:  h.blocked,
		AuditRepo:   h.audits,
		AuditLogger: auditLogger,
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) as(t *testing.T, uid string, roles ...string) context.Context {
	t.Helper()
	token, _, err := h.issuer.Issue(identitydomain.Identity{UID: uid}, roles...)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func sessionMethod(name string) string { return "/" + sessionhandler.ServiceName + "/" + name }

func TestServer_HealthIsPublic(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}
}

func TestServer_RequiresToken(t *testing.T) {
	h := newHarness(t)
	var out sessionhandler.AdmitResponse
	err := rpc.Invoke(context.Background(), h.conn, sessionMethod("Admit"),
		sessionhandler.AdmitRequest{Device: devicedomain.Identity{DeviceID: "d1"}}, &out)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}

func TestServer_AdmissionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := h.as(t, "alice")

	for _, id := range []string{"d1", "d2"} {
		var out sessionhandler.AdmitResponse
		err := rpc.Invoke(ctx, h.conn, sessionMethod("Admit"),
			sessionhandler.AdmitRequest{Device: devicedomain.Identity{DeviceID: id}}, &out)
		if err != nil {
			t.Fatalf("Admit %s: %v", id, err)
		}
		if out.Outcome != "admitted" || out.Session.DeviceID != id || !out.Session.IsActive || out.MaxDevices != 2 {
			t.Errorf("Admit %s = %+v", id, out)
		}
	}

	var out sessionhandler.AdmitResponse
	err := rpc.Invoke(ctx, h.conn, sessionMethod("Admit"),
		sessionhandler.AdmitRequest{Device: devicedomain.Identity{DeviceID: "d3"}}, &out)
	if status.Code(err) != codes.ResourceExhausted || sessionhandler.Reason(err) != sessionhandler.ReasonDeviceLimit {
		t.Fatalf("third device err = %v (reason %q)", err, sessionhandler.Reason(err))
	}

	var st sessionhandler.StatusResponse
	if err := rpc.Invoke(ctx, h.conn, sessionMethod("GetStatus"), sessionhandler.DeviceRequest{DeviceID: "d1"}, &st); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Status != "active" {
		t.Errorf("status = %q, want active", st.Status)
	}

	if err := rpc.Invoke(ctx, h.conn, sessionMethod("Logout"), sessionhandler.DeviceRequest{DeviceID: "d1"}, &sessionhandler.Empty{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	var list sessionhandler.ListSessionsResponse
	if err := rpc.Invoke(ctx, h.conn, sessionMethod("ListSessions"), sessionhandler.UserRequest{}, &list); err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].DeviceID != "d2" {
		t.Errorf("sessions = %+v", list.Sessions)
	}
}

func TestServer_BlockedDeviceThroughAdminService(t *testing.T) {
	h := newHarness(t)
	admin := h.as(t, "root", security.RoleAdmin)

	err := rpc.Invoke(admin, h.conn, "/"+devicehandler.ServiceName+"/BlockDevice",
		devicehandler.BlockDeviceRequest{DeviceID: "stolen", Reason: "reported lost"}, &devicehandler.Empty{})
	if err != nil {
		t.Fatalf("BlockDevice: %v", err)
	}

	var out sessionhandler.AdmitResponse
	err = rpc.Invoke(h.as(t, "alice"), h.conn, sessionMethod("Admit"),
		sessionhandler.AdmitRequest{Device: devicedomain.Identity{DeviceID: "stolen"}}, &out)
	if status.Code(err) != codes.PermissionDenied || sessionhandler.Reason(err) != sessionhandler.ReasonDeviceBlocked {
		t.Errorf("Admit on blocked device err = %v", err)
	}

	found := false
	for _, e := range h.audits.Entries() {
		if e.UserID == "root" && e.Action == "block" && e.Resource == "device" {
			found = true
		}
	}
	if !found {
		t.Errorf("no block audit entry in %+v", h.audits.Entries())
	}
}
