package gate

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tourmarket/requestgate/security"
)

// DefaultPolicyName labels requests that match no policy in logs and metrics.
const DefaultPolicyName = "default"

// RoutePolicy declares which checks apply to a route.
type RoutePolicy struct {
	// Name identifies the policy in rate-limit keys, logs and metrics.
	Name string

	// Methods restricts the policy to these HTTP methods. Empty matches all.
	Methods []string

	// Path is matched exactly, or as a prefix when Prefix is set.
	Path   string
	Prefix bool

	// RateLimit is the fixed-window budget per client. Zero means unlimited.
	RateLimit security.Budget

	// BruteForce refuses locked-out IPs before the handler runs.
	BruteForce bool

	// CSRF requires a valid session CSRF token on state-changing methods.
	CSRF bool

	// Usage charges the per-user hourly usage budget.
	Usage bool

	// AntiBot requires a valid Turnstile token.
	AntiBot bool
}

func (p RoutePolicy) matchesMethod(method string) bool {
	return len(p.Methods) == 0 || slices.Contains(p.Methods, method)
}

func (p RoutePolicy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy for %q: name is required", p.Path)
	}
	if !strings.HasPrefix(p.Path, "/") {
		return fmt.Errorf("policy %q: path must start with /", p.Name)
	}
	if !p.RateLimit.IsZero() && (p.RateLimit.Limit <= 0 || p.RateLimit.Window <= 0) {
		return fmt.Errorf("policy %q: invalid rate limit %v", p.Name, p.RateLimit)
	}
	return nil
}

// DefaultPolicies returns the route table of the tour marketplace API.
func DefaultPolicies() []RoutePolicy {
	post := []string{"POST"}
	return []RoutePolicy{
		{Name: "login", Methods: post, Path: "/api/auth/login",
			RateLimit: security.Budget{Limit: 10, Window: time.Minute}, BruteForce: true, AntiBot: true},
		{Name: "register", Methods: post, Path: "/api/auth/register",
			RateLimit: security.Budget{Limit: 5, Window: time.Hour}},
		{Name: "logout", Methods: post, Path: "/api/auth/logout", CSRF: true},
		{Name: "chat", Methods: post, Path: "/api/chat",
			RateLimit: security.Budget{Limit: 100, Window: time.Hour}, Usage: true},
		{Name: "compare", Methods: post, Path: "/api/compare",
			RateLimit: security.Budget{Limit: 10, Window: time.Hour}, Usage: true},
		{Name: "admin", Path: "/api/admin/", Prefix: true,
			RateLimit: security.Budget{Limit: 20, Window: time.Minute}, CSRF: true},
		{Name: "operator", Path: "/api/operator/", Prefix: true, CSRF: true},
		{Name: "monitoring", Methods: []string{"GET"}, Path: "/api/health",
			RateLimit: security.Budget{Limit: 60, Window: time.Minute}},
	}
}

// PolicyTable resolves the policy for a request: an exact path match wins,
// otherwise the longest matching prefix.
type PolicyTable struct {
	policies []RoutePolicy
}

// NewPolicyTable creates a table. Policies are copied.
func NewPolicyTable(policies []RoutePolicy) *PolicyTable {
	return &PolicyTable{policies: slices.Clone(policies)}
}

// Match returns the policy for method and path, or nil.
func (t *PolicyTable) Match(method, path string) *RoutePolicy {
	var best *RoutePolicy
	for i := range t.policies {
		p := &t.policies[i]
		if !p.matchesMethod(method) {
			continue
		}
		if !p.Prefix {
			if p.Path == path {
				return p
			}
			continue
		}
		if strings.HasPrefix(path, p.Path) && (best == nil || len(p.Path) > len(best.Path)) {
			best = p
		}
	}
	return best
}

// Lookup returns the policy with the given name.
func (t *PolicyTable) Lookup(name string) (*RoutePolicy, bool) {
	for i := range t.policies {
		if t.policies[i].Name == name {
			return &t.policies[i], true
		}
	}
	return nil, false
}

// Policies returns a copy of the table.
func (t *PolicyTable) Policies() []RoutePolicy {
	return slices.Clone(t.policies)
}
