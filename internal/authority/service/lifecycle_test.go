package service

import (
	"context"
	"errors"
	"testing"
	"time"

	authoritydomain "session-authority/internal/authority/domain"
	telemetrydomain "session-authority/internal/telemetry/domain"
)

func waitStatus(t *testing.T, ch <-chan authoritydomain.Status, want authoritydomain.Status) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestWatch_ReportsActiveThenRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.mustAdmit(t, login(alice(), dev("d1", "")))

	statuses := make(chan authoritydomain.Status, 16)
	stop, err := f.svc.Watch(ctx, "alice", "d1", func(s authoritydomain.Status) { statuses <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()
	waitStatus(t, statuses, authoritydomain.StatusActive)

	if _, err := f.svc.Revoke(ctx, adm.Record.ID, "admin"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	waitStatus(t, statuses, authoritydomain.StatusRevoked)
}

func TestWatch_SkipsEmptyLineage(t *testing.T) {
	f := newFixture(t)
	statuses := make(chan authoritydomain.Status, 16)
	stop, err := f.svc.Watch(context.Background(), "alice", "d1", func(s authoritydomain.Status) { statuses <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	select {
	case s := <-statuses:
		t.Fatalf("got %s before any record existed", s)
	case <-time.After(50 * time.Millisecond):
	}

	f.mustAdmit(t, login(alice(), dev("d1", "")))
	waitStatus(t, statuses, authoritydomain.StatusActive)
}

func TestWatch_IgnoresPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.mustAdmit(t, login(alice(), dev("d1", "")))

	statuses := make(chan authoritydomain.Status, 16)
	stop, err := f.svc.Watch(context.Background(), "alice", "d1", func(s authoritydomain.Status) { statuses <- s })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()
	waitStatus(t, statuses, authoritydomain.StatusActive)

	f.sessions.DenyAccess("alice", true)
	select {
	case s := <-statuses:
		t.Fatalf("permission error produced status %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_StopFromCallback(t *testing.T) {
	f := newFixture(t)
	f.mustAdmit(t, login(alice(), dev("d1", "")))

	calls := make(chan struct{}, 4)
	var stop func()
	stopReady := make(chan struct{})
	var err error
	stop, err = f.svc.Watch(context.Background(), "alice", "d1", func(authoritydomain.Status) {
		<-stopReady
		stop()
		calls <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	close(stopReady)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
	stop()

	// Writes after stop reach no callback.
	f.svc.Logout(context.Background(), "alice", "d1")
	select {
	case <-calls:
		t.Error("callback called after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Watch(context.Background(), "", "d1", func(authoritydomain.Status) {}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if s, err := f.svc.Status(ctx, "alice", "d1"); err != nil || s != authoritydomain.StatusRevoked {
		t.Errorf("no records: Status = %s, %v", s, err)
	}
	f.mustAdmit(t, login(alice(), dev("d1", "")))
	if s, err := f.svc.Status(ctx, "alice", "d1"); err != nil || s != authoritydomain.StatusActive {
		t.Errorf("active: Status = %s, %v", s, err)
	}
	f.svc.Logout(ctx, "alice", "d1")
	if s, err := f.svc.Status(ctx, "alice", "d1"); err != nil || s != authoritydomain.StatusRevoked {
		t.Errorf("logged out: Status = %s, %v", s, err)
	}
	f.sessions.DenyAccess("alice", true)
	if s, err := f.svc.Status(ctx, "alice", "d1"); err != nil || s != authoritydomain.StatusRevoked {
		t.Errorf("denied: Status = %s, %v", s, err)
	}
}

func TestHeartbeat_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.mustAdmit(t, login(alice(), dev("d1", "")))

	prev, _ := f.sessions.GetByID(ctx, adm.Record.ID)
	for i := 0; i < 3; i++ {
		if err := f.svc.Heartbeat(ctx, "alice", "d1"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		cur, _ := f.sessions.GetByID(ctx, adm.Record.ID)
		if cur.LastActive.Compare(prev.LastActive, time.Now()) <= 0 {
			t.Errorf("beat %d did not advance lastActive", i)
		}
		if !cur.IsActive || cur.LoginTime != prev.LoginTime {
			t.Errorf("beat %d changed the record: %+v", i, cur)
		}
		prev = cur
	}
	if len(f.sessions.All()) != 1 {
		t.Errorf("records = %d, want 1", len(f.sessions.All()))
	}
	if got := f.counter(t, "alice"); got != 1 {
		t.Errorf("activeSessions = %d, want 1", got)
	}
}

func TestHeartbeat_NoActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Heartbeat(ctx, "alice", "unknown"); err != nil {
		t.Errorf("Heartbeat without records: %v", err)
	}
	if len(f.sessions.All()) != 0 {
		t.Error("heartbeat must not create records")
	}

	adm := f.mustAdmit(t, login(alice(), dev("d1", "")))
	f.svc.Logout(ctx, "alice", "d1")
	before, _ := f.sessions.GetByID(ctx, adm.Record.ID)
	if err := f.svc.Heartbeat(ctx, "alice", "d1"); err != nil {
		t.Errorf("Heartbeat after logout: %v", err)
	}
	after, _ := f.sessions.GetByID(ctx, adm.Record.ID)
	if after.IsActive || after.LastActive != before.LastActive {
		t.Errorf("heartbeat touched an inactive record: %+v", after)
	}

	f.sessions.DenyAccess("alice", true)
	if err := f.svc.Heartbeat(ctx, "alice", "d1"); err != nil {
		t.Errorf("Heartbeat with access denied: %v", err)
	}
	if err := f.svc.Heartbeat(ctx, "", "d1"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Heartbeat without user: %v", err)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d1 := f.mustAdmit(t, login(alice(), dev("d1", "")))
	f.mustAdmit(t, login(alice(), dev("d2", "")))

	f.svc.Logout(ctx, "alice", "d1")

	rec, _ := f.sessions.GetByID(ctx, d1.Record.ID)
	if rec.IsActive || !rec.LoggedOutAt.IsResolved() {
		t.Errorf("logged out record = %+v", rec)
	}
	if got := f.counter(t, "alice"); got != 1 {
		t.Errorf("activeSessions = %d, want 1", got)
	}
	if f.activeByDevice("alice")["d2"] != 1 {
		t.Error("logout must not touch other devices")
	}
	if !f.hasAudit("logout") {
		t.Error("logout should be audited")
	}
	eventually(t, func() bool { return f.events.count(telemetrydomain.EventSessionLoggedOut) == 1 }, "logout event not emitted")

	// Repeating the logout or logging out unknown devices changes nothing.
	f.svc.Logout(ctx, "alice", "d1")
	f.svc.Logout(ctx, "alice", "never-seen")
	f.svc.Logout(ctx, "", "")
	if got := f.counter(t, "alice"); got != 1 {
		t.Errorf("activeSessions after repeats = %d, want 1", got)
	}
}

func TestLogout_StoreFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.mustAdmit(t, login(alice(), dev("d1", "")))
	f.sessions.DenyAccess("alice", true)
	f.svc.Logout(context.Background(), "alice", "d1")

	f.sessions.DenyAccess("alice", false)
	if f.activeCount("alice") != 1 {
		t.Error("failed logout should leave the record alone")
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adm := f.mustAdmit(t, login(alice(), dev("d1", "")))

	if _, err := f.svc.Revoke(ctx, "missing", "admin"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Revoke missing: err = %v", err)
	}

	rec, err := f.svc.Revoke(ctx, adm.Record.ID, "admin")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if rec.IsActive {
		t.Error("returned record should be inactive")
	}
	if got := f.counter(t, "alice"); got != 0 {
		t.Errorf("activeSessions = %d, want 0", got)
	}

	// Revoking again is a no-op and does not decrement twice.
	if _, err := f.svc.Revoke(ctx, adm.Record.ID, "admin"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if got := f.counter(t, "alice"); got != 0 {
		t.Errorf("activeSessions after second revoke = %d, want 0", got)
	}
	if !f.hasAudit("revoke") {
		t.Error("revocation should be audited")
	}
	active, _ := f.svc.ListActive(ctx, "alice")
	if len(active) != 0 {
		t.Errorf("ListActive = %d records", len(active))
	}
}

func TestReconcile_CorrectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustAdmit(t, login(alice(), dev("d1", "")))
	f.mustAdmit(t, login(alice(), dev("d2", "")))

	for _, drifted := range []int{42, -5, 0} {
		_ = f.accounts.SetActiveSessions(ctx, "alice", drifted)
		n, err := f.svc.Reconcile(ctx, "alice")
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if n != 2 || f.counter(t, "alice") != 2 {
			t.Errorf("from %d: Reconcile = %d, counter = %d, want 2", drifted, n, f.counter(t, "alice"))
		}
	}
	eventually(t, func() bool { return f.events.count(telemetrydomain.EventCounterReconciled) >= 3 }, "drift events not emitted")

	// An account never seen before reconciles to zero.
	if n, err := f.svc.Reconcile(ctx, "nobody"); err != nil || n != 0 {
		t.Errorf("Reconcile(nobody) = %d, %v", n, err)
	}
}

func TestReconcile_WriteFailure(t *testing.T) {
	accounts := &failingAccounts{}
	f := newFixture(t, withFailingAccounts(accounts))
	f.mustAdmit(t, login(alice(), dev("d1", "")))

	accounts.failSet = true
	n, err := f.svc.Reconcile(context.Background(), "alice")
	if err == nil || n != 1 {
		t.Errorf("Reconcile = %d, %v; want the count and an error", n, err)
	}
}
