package guard

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in roles and routes.
const (
	RoleOperator = "operator"
	RoleCommuter = "commuter"

	OperatorHome = "/operator/dashboard"
	DefaultHome  = "/routes"
	LoginRoute   = "/sign-in"
)

// Roles is the set of roles allowed into a route. A single role and a set
// of roles are the same thing.
type Roles map[string]struct{}

// OneOf builds a role set. Blank entries are ignored.
func OneOf(roles ...string) Roles {
	out := make(Roles, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out[r] = struct{}{}
		}
	}
	return out
}

// Allows reports whether role is a member of the set.
func (r Roles) Allows(role string) bool {
	if role == "" {
		return false
	}
	_, ok := r[role]
	return ok
}

// List returns the roles sorted.
func (r Roles) List() []string {
	out := make([]string, 0, len(r))
	for role := range r {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// RouteTable maps each role to its home route. Roles without an entry use
// Default.
type RouteTable struct {
	Homes   map[string]string
	Default string
	Login   string
}

// DefaultRouteTable sends operators to their dashboard and everyone else to
// the route list.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		Homes: map[string]string{
			RoleOperator: OperatorHome,
			RoleCommuter: DefaultHome,
		},
		Default: DefaultHome,
		Login:   LoginRoute,
	}
}

// Home returns the home route of role.
func (t RouteTable) Home(role string) string {
	if home, ok := t.Homes[role]; ok && home != "" {
		return home
	}
	return t.Default
}

// LoginRoute returns the login route.
func (t RouteTable) LoginRoute() string {
	if t.Login == "" {
		return LoginRoute
	}
	return t.Login
}

// ParseRouteTable overlays raw onto base. raw is a comma separated list of
// role=path pairs; the role "*" sets the default route.
//
//	operator=/operator/dashboard,driver=/driver/today,*=/routes
func ParseRouteTable(raw string, base RouteTable) (RouteTable, error) {
	out := RouteTable{
		Homes:   make(map[string]string, len(base.Homes)),
		Default: base.Default,
		Login:   base.Login,
	}
	for role, home := range base.Homes {
		out.Homes[role] = home
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		role, path, ok := strings.Cut(part, "=")
		role, path = strings.TrimSpace(role), strings.TrimSpace(path)
		if !ok || role == "" || !strings.HasPrefix(path, "/") {
			return RouteTable{}, fmt.Errorf("invalid role route %q: want role=/path", part)
		}
		if role == "*" {
			out.Default = path
			continue
		}
		out.Homes[role] = path
	}

	if out.Default == "" {
		return RouteTable{}, fmt.Errorf("route table has no default route")
	}
	return out, nil
}
