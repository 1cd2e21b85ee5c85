package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	authoritydomain "session-authority/internal/authority/domain"
	"session-authority/internal/authority/service"
	"session-authority/internal/device"
	devicedomain "session-authority/internal/device/domain"
	devicerepo "session-authority/internal/device/repository"
	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/security"
	"session-authority/internal/server"
	sessionhandler "session-authority/internal/session/handler"
	sessionrepo "session-authority/internal/session/repository"
	userrepo "session-authority/internal/user/repository"
)

type harness struct {
	svc      *service.Service
	blocked  *devicerepo.MemoryRepository
	issuer   *security.Issuer
	conn     *grpc.ClientConn
	watchURL string
}

func newHarness(t *testing.T, maxDevices int) *harness {
	t.Helper()
	issuer, verifier, err := security.NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	h := &harness{issuer: issuer, blocked: devicerepo.NewMemoryRepository()}
	h.svc = service.New(service.Deps{
		Sessions:  sessionrepo.NewMemoryRepository(),
		Accounts:  userrepo.NewMemoryRepository(),
		BlockList: h.blocked,
	}, service.Config{MaxDevices: maxDevices})

	lis := bufconn.Listen(1 << 20)
	grpcServer := server.NewGRPCServer(server.Options{Verifier: verifier})
	server.RegisterServices(grpcServer, server.Deps{Authority: h.svc})
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	h.conn = conn

	mux := http.NewServeMux()
	mux.Handle(sessionhandler.WatchPath, sessionhandler.NewWatchGateway(h.svc, verifier, nil, nil))
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)
	h.watchURL = httpServer.URL
	return h
}

func (h *harness) agent(t *testing.T, uid string, ids device.IDStore) *Agent {
	t.Helper()
	token, _, err := h.issuer.Issue(identitydomain.Identity{UID: uid})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	signals := devicedomain.Signals{Platform: "linux/amd64", UserAgent: "test-agent", HardwareConcurrency: 4}
	return NewAgent(h.conn, device.NewProvider(ids, nil), Config{
		Token:             token,
		WatchURL:          h.watchURL,
		HeartbeatInterval: 20 * time.Millisecond,
		Signals:           &signals,
	}, nil)
}

func timeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAgent_LoginHeartbeatLogout(t *testing.T) {
	h := newHarness(t, 3)
	ids := device.NewMemoryIDStore()
	a := h.agent(t, "alice", ids)
	ctx := timeout(t)

	resp, err := a.Login(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	deviceID := a.DeviceID(ctx)
	if resp.Outcome != string(authoritydomain.OutcomeAdmitted) || resp.Session.DeviceID != deviceID {
		t.Errorf("Login = %+v", resp)
	}
	if resp.Session.DeviceFingerprint == "" || resp.Session.Metadata.HardwareConcurrency != 4 {
		t.Errorf("session device data = %+v", resp.Session)
	}
	if err := a.Heartbeat(ctx); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
	if st, err := a.Status(ctx); err != nil || st != "active" {
		t.Errorf("Status = %q, %v", st, err)
	}

	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st, _ := a.Status(ctx); st != "revoked" {
		t.Errorf("Status after logout = %q", st)
	}
	if _, err := a.Check(ctx); !errors.Is(err, service.ErrSessionRevoked) {
		t.Errorf("Check after logout err = %v, want ErrSessionRevoked", err)
	}
	if stored, _ := ids.Load(ctx); stored != deviceID {
		t.Errorf("persisted device id = %q, want %q kept after logout", stored, deviceID)
	}
}

func TestAgent_NamedErrors(t *testing.T) {
	h := newHarness(t, 1)
	ctx := timeout(t)

	if _, err := h.agent(t, "alice", device.NewMemoryIDStore()).Login(ctx); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	_, err := h.agent(t, "alice", device.NewMemoryIDStore()).Login(ctx)
	if !errors.Is(err, service.ErrDeviceLimit) {
		t.Errorf("second device err = %v, want ErrDeviceLimit", err)
	}

	ids := device.NewMemoryIDStore()
	_ = ids.Save(ctx, "stolen-laptop")
	_ = h.blocked.Block(ctx, "stolen-laptop", "reported stolen", "root")
	_, err = h.agent(t, "bob", ids).Login(ctx)
	if !errors.Is(err, service.ErrDeviceBlocked) {
		t.Errorf("blocked device err = %v, want ErrDeviceBlocked", err)
	}
}

func TestAgent_RunEndsOnRemoteRevocation(t *testing.T) {
	h := newHarness(t, 3)
	a := h.agent(t, "alice", device.NewMemoryIDStore())
	ctx := timeout(t)

	statuses := make(chan string, 16)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, func(s string) { statuses <- s }) }()

	select {
	case s := <-statuses:
		if s != "active" {
			t.Fatalf("first status = %q, want active", s)
		}
	case <-ctx.Done():
		t.Fatal("no status before timeout")
	}

	active, err := h.svc.ListActive(ctx, "alice")
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActive = %v, %v", active, err)
	}
	if _, err := h.svc.Revoke(ctx, active[0].ID, "root"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, service.ErrSessionRevoked) {
			t.Errorf("Run err = %v, want ErrSessionRevoked", err)
		}
	case <-ctx.Done():
		t.Fatal("Run did not return after revocation")
	}
}

func TestAgent_RunLogsOutOnCancel(t *testing.T) {
	h := newHarness(t, 3)
	a := h.agent(t, "alice", device.NewMemoryIDStore())
	ctx := timeout(t)
	runCtx, cancel := context.WithCancel(ctx)

	statuses := make(chan string, 16)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx, func(s string) { statuses <- s }) }()

	select {
	case <-statuses:
	case <-ctx.Done():
		t.Fatal("no status before timeout")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	st, err := h.svc.Status(ctx, "alice", a.DeviceID(ctx))
	if err != nil || st != authoritydomain.StatusRevoked {
		t.Errorf("Status after Run = %q, %v, want revoked", st, err)
	}
}

func TestLocalSignals(t *testing.T) {
	s := LocalSignals()
	if s.Platform == "" || s.HardwareConcurrency < 1 {
		t.Errorf("LocalSignals = %+v", s)
	}
}
