package audit

import "testing"

func TestTargetOf(t *testing.T) {
	tests := []struct {
		fullMethod string
		want       Target
	}{
		{"/session_authority.v1.SessionService/Admit", Target{"admit", "session"}},
		{"/session_authority.v1.SessionService/Logout", Target{"logout", "session"}},
		{"/session_authority.v1.SessionService/RevokeSession", Target{"revoke", "session"}},
		{"/session_authority.v1.SessionService/ReconcileUser", Target{"reconcile", "session"}},
		{"/session_authority.v1.DeviceService/BlockDevice", Target{"block", "device"}},
		{"/session_authority.v1.DeviceService/UnblockDevice", Target{"unblock", "device"}},
		{"/session_authority.v1.DeviceService/ListBlockedDevices", Target{"list", "device"}},
		{"/session_authority.v1.PolicyService/GetPolicy", Target{"get", "policy"}},
		{"/session_authority.v1.PolicyService/CreatePolicy", Target{"create", "policy"}},
		{"/session_authority.v1.PolicyService/SetPolicyEnabled", Target{"update", "policy"}},
		{"/grpc.health.v1.Health/Check", Target{"check", "health"}},
		{"/session_authority.v1.AuditService/ListAuditLogs", Target{"list", "audit"}},
		{"no-slash", Target{"unknown", "unknown"}},
		{"/pkg.Service/", Target{"unknown", "unknown"}},
		{"/Service/Method", Target{"method", "unknown"}},
		{"/pkg.Service/Get", Target{"get", "unknown"}},
	}
	for _, tt := range tests {
		t.Run(tt.fullMethod, func(t *testing.T) {
			if got := TargetOf(tt.fullMethod); got != tt.want {
				t.Errorf("TargetOf(%q) = %+v, want %+v", tt.fullMethod, got, tt.want)
			}
		})
	}
}
