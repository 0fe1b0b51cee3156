package server

import (
	"fmt"
	"net/http"
)

const (
	RolePublic = "PUBLIC"
	RoleAdmin  = "ADMIN"
)

type AccessRule struct {
	Method string
	Path   string
	Roles  []string
}

var endpointAccess = []AccessRule{
	{Method: http.MethodGet, Path: "/healthz", Roles: []string{RolePublic}},
	{Method: http.MethodGet, Path: "/readyz", Roles: []string{RolePublic}},
	{Method: http.MethodGet, Path: "/metrics", Roles: []string{RolePublic}},
	{Method: http.MethodGet, Path: "/api/status", Roles: []string{RolePublic}},

	{Method: http.MethodGet, Path: "/api/admin/fleet/summary", Roles: []string{RoleAdmin}},
	{Method: http.MethodGet, Path: "/api/admin/fleet/events", Roles: []string{RoleAdmin}},
	{Method: http.MethodGet, Path: "/api/admin/nodes", Roles: []string{RoleAdmin}},
	{Method: http.MethodPost, Path: "/api/admin/nodes", Roles: []string{RoleAdmin}},
	{Method: http.MethodGet, Path: "/api/admin/nodes/{nodeId}", Roles: []string{RoleAdmin}},
	{Method: http.MethodPut, Path: "/api/admin/nodes/{nodeId}", Roles: []string{RoleAdmin}},
	{Method: http.MethodDelete, Path: "/api/admin/nodes/{nodeId}", Roles: []string{RoleAdmin}},
	{Method: http.MethodGet, Path: "/api/admin/nodes/{nodeId}/resources", Roles: []string{RoleAdmin}},
	{Method: http.MethodPost, Path: "/api/admin/placement/recommend", Roles: []string{RoleAdmin}},
	{Method: http.MethodPost, Path: "/api/admin/placement/validate", Roles: []string{RoleAdmin}},
	{Method: http.MethodPost, Path: "/api/admin/allocations", Roles: []string{RoleAdmin}},
	{Method: http.MethodDelete, Path: "/api/admin/allocations/{allocationId}", Roles: []string{RoleAdmin}},
}

func accessRoles(method, path string) []string {
	for _, rule := range endpointAccess {
		if rule.Method == method && rule.Path == path {
			return rule.Roles
		}
	}
	panic(fmt.Sprintf("missing access roles for %s %s", method, path))
}

func roleAllowed(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func isPublicAccess(roles []string) bool {
	return roleAllowed(roles, RolePublic)
}
