// ABOUTME: Route access decisions from session state and a route's required role
// ABOUTME: Pure functions; redirects authenticated principals home, never to login

package access

import (
	"sort"
	"strings"

	"github.com/2389/spendsense/internal/credential"
	"github.com/2389/spendsense/internal/session"
)

// Outcome is the kind of decision.
type Outcome string

const (
	// Pending means the session is still restoring: show a loading state, no redirect.
	Pending  Outcome = "pending"
	Allow    Outcome = "allow"
	Redirect Outcome = "redirect"
)

// Decision is the result of evaluating a route.
type Decision struct {
	Outcome Outcome
	Path    string // set when Outcome is Redirect
}

// StewardPolicy controls what happens when a Steward opens a Subject-only route.
type StewardPolicy string

const (
	// StewardRedirectHome sends the Steward to the Steward home route.
	StewardRedirectHome StewardPolicy = "redirect"
	// StewardAllow lets the Steward through, using its cross-subject visibility.
	StewardAllow StewardPolicy = "allow"
)

// Paths names the fixed destinations the gate redirects to.
type Paths struct {
	Login       string
	SubjectHome string
	StewardHome string
}

// DefaultPaths are the dashboard's routes.
var DefaultPaths = Paths{
	Login:       "/login",
	SubjectHome: "/dashboard",
	StewardHome: "/operator",
}

// Gate decides route access.
type Gate struct {
	paths   Paths
	steward StewardPolicy
	routes  []Route
}

// Route binds a path prefix to the role it requires. A zero Required role
// means any authenticated principal; Public routes need no session at all.
type Route struct {
	Prefix   string
	Required credential.Role
	Public   bool
}

// DefaultRoutes is the dashboard route table.
var DefaultRoutes = []Route{
	{Prefix: "/login", Public: true},
	{Prefix: "/signup", Public: true},
	{Prefix: "/dashboard", Required: credential.RoleSubject},
	{Prefix: "/profile", Required: credential.RoleSubject},
	{Prefix: "/recommendations", Required: credential.RoleSubject},
	{Prefix: "/transactions", Required: credential.RoleSubject},
	{Prefix: "/consent", Required: credential.RoleSubject},
	{Prefix: "/operator", Required: credential.RoleSteward},
}

// NewGate creates a gate. Empty fields in paths fall back to DefaultPaths;
// a nil routes slice uses DefaultRoutes.
func NewGate(paths Paths, policy StewardPolicy, routes []Route) *Gate {
	if paths.Login == "" {
		paths.Login = DefaultPaths.Login
	}
	if paths.SubjectHome == "" {
		paths.SubjectHome = DefaultPaths.SubjectHome
	}
	if paths.StewardHome == "" {
		paths.StewardHome = DefaultPaths.StewardHome
	}
	if policy == "" {
		policy = StewardRedirectHome
	}
	if routes == nil {
		routes = DefaultRoutes
	}

	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	// Longest prefix first so the most specific route wins.
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Gate{paths: paths, steward: policy, routes: sorted}
}

// Paths returns the gate's redirect destinations.
func (g *Gate) Paths() Paths {
	return g.paths
}

// Decide evaluates a protected route requiring role required ("" for any
// authenticated principal). Rules apply in order: not ready, no principal,
// role mismatch, allow.
func (g *Gate) Decide(state session.State, required credential.Role) Decision {
	if !state.Ready {
		return Decision{Outcome: Pending}
	}
	if state.Principal == nil {
		return Decision{Outcome: Redirect, Path: g.paths.Login}
	}
	if required == "" || state.Principal.Role == required {
		return Decision{Outcome: Allow}
	}

	switch state.Principal.Role {
	case credential.RoleSteward:
		if g.steward == StewardAllow {
			return Decision{Outcome: Allow}
		}
		return Decision{Outcome: Redirect, Path: g.paths.StewardHome}
	case credential.RoleSubject:
		return Decision{Outcome: Redirect, Path: g.paths.SubjectHome}
	default:
		return Decision{Outcome: Redirect, Path: g.paths.Login}
	}
}

// DecidePath looks up path in the route table and decides it. Unknown paths
// are treated as requiring any authenticated principal.
func (g *Gate) DecidePath(state session.State, path string) Decision {
	route, ok := g.match(path)
	if ok && route.Public {
		return Decision{Outcome: Allow}
	}
	return g.Decide(state, route.Required)
}

// Home returns the landing route for a principal.
func (g *Gate) Home(p credential.Principal) string {
	if p.Role == credential.RoleSteward {
		return g.paths.StewardHome
	}
	return g.paths.SubjectHome
}

func (g *Gate) match(path string) (Route, bool) {
	for _, r := range g.routes {
		if path == r.Prefix || strings.HasPrefix(path, strings.TrimSuffix(r.Prefix, "/")+"/") {
			return r, true
		}
	}
	return Route{}, false
}
