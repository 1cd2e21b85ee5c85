package audit

import (
	"strings"

	"session-authority/internal/audit/domain"
)

// Target is what an RPC-level audit entry records: a verb and the resource it acted on.
type Target struct {
	Action   string
	Resource string
}

var serviceResources = map[string]string{
	"SessionService": domain.ResourceSession,
	"DeviceService":  domain.ResourceDevice,
	"PolicyService":  domain.ResourcePolicy,
}

// verbs maps method name prefixes to actions. Order matters only for overlapping prefixes.
var verbs = []struct{ prefix, action string }{
	{"Get", "get"},
	{"List", "list"},
	{"Create", domain.ActionCreate},
	{"Set", "update"},
	{"Update", "update"},
	{"Delete", domain.ActionDelete},
	{"Block", domain.ActionBlock},
	{"Unblock", domain.ActionUnblock},
	{"Revoke", domain.ActionRevoke},
	{"Reconcile", "reconcile"},
}

// TargetOf classifies a gRPC full method such as /session_authority.v1.DeviceService/BlockDevice
// (block, device). Unknown services map to their lowercased name without the Service suffix.
func TargetOf(fullMethod string) Target {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || method == "" {
		return Target{Action: "unknown", Resource: "unknown"}
	}
	t := Target{Action: actionOf(method), Resource: "unknown"}
	dot := strings.LastIndex(service, ".")
	if dot < 0 {
		return t
	}
	name := service[dot+1:]
	if r, ok := serviceResources[name]; ok {
		t.Resource = r
	} else if s := strings.TrimSuffix(name, "Service"); s != "" {
		t.Resource = strings.ToLower(s[:1]) + s[1:]
	}
	return t
}

func actionOf(method string) string {
	for _, v := range verbs {
		if strings.HasPrefix(method, v.prefix) {
			return v.action
		}
	}
	return strings.ToLower(method)
}
