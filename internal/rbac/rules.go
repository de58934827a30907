// Package rbac maps roles to permissions on reconciliation runs and guards
// HTTP routes with them.
package rbac

import "strings"

// Permissions are "<resource>:<action>".
const (
	PermRunsView    = "runs:view"
	PermRunsPreview = "runs:preview"
	PermRunsImport  = "runs:import"
	PermRunsUpload  = "runs:upload"
)

// AllPermissions lists every permission a route can require.
var AllPermissions = []string{PermRunsView, PermRunsPreview, PermRunsImport, PermRunsUpload}

const (
	RoleGrader     = "grader"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Policy grants each role a list of permissions. An entry may be "*" or
// "<resource>:*".
type Policy map[string][]string

// DefaultPolicy lets graders look and preview; only instructors push grades
// to the LMS.
var DefaultPolicy = Policy{
	RoleGrader:     {PermRunsView, PermRunsPreview},
	RoleInstructor: {"runs:*"},
	RoleAdmin:      {"*"},
}

// Allows reports whether role holds perm.
func (p Policy) Allows(role, perm string) bool {
	for _, g := range p[role] {
		if grants(g, perm) {
			return true
		}
	}
	return false
}

// Permissions expands role's grants against AllPermissions.
func (p Policy) Permissions(role string) []string {
	var out []string
	for _, perm := range AllPermissions {
		if p.Allows(role, perm) {
			out = append(out, perm)
		}
	}
	return out
}

// KnownRole reports whether role appears in the default policy.
func KnownRole(role string) bool {
	_, ok := DefaultPolicy[role]
	return ok
}

func grants(grant, perm string) bool {
	if grant == "*" || grant == perm {
		return true
	}
	res, ok := strings.CutSuffix(grant, ":*")
	return ok && strings.HasPrefix(perm, res+":")
}
