package auth

import (
	"sort"
	"strings"
)

const rolePrefix = "ROLE_"

// Principal is the resolved authorization subject bound to a request.
type Principal struct {
	IdentityID     int64    `json:"identity_id"`
	Email          string   `json:"email,omitempty"`
	TenantID       int64    `json:"tenant_id"`
	Kind           UserKind `json:"user_kind"`
	CustomerID     *int64   `json:"customer_id,omitempty"`
	RoleID         int64    `json:"role_id"`
	RoleName       string   `json:"role_name"`
	RoleLevel      int      `json:"role_level"`
	ResourceScopes []int64  `json:"resource_scopes,omitempty"`
	Authorities    []string `json:"authorities"`
	Enabled        bool     `json:"enabled"`
	Locked         bool     `json:"locked"`
}

// NewPrincipal builds a principal for an identity holding role. Only active
// permissions contribute authorities.
func NewPrincipal(identity Identity, role Role, active func(code string) bool) Principal {
	perms := role.Permissions
	if active != nil {
		perms = make([]string, 0, len(role.Permissions))
		for _, code := range role.Permissions {
			if active(code) {
				perms = append(perms, code)
			}
		}
	}
	return Principal{
		IdentityID:     identity.ID,
		Email:          identity.Email,
		TenantID:       identity.TenantID,
		Kind:           identity.Kind,
		CustomerID:     copyID(identity.CustomerID),
		RoleID:         role.ID,
		RoleName:       role.Name,
		RoleLevel:      role.Level,
		ResourceScopes: append([]int64(nil), identity.ResourceScopes...),
		Authorities:    Authorities(role.Name, perms),
		Enabled:        identity.Enabled,
		Locked:         identity.Locked,
	}
}

// Authorities returns {ROLE_<NAME>} plus the given permission codes, deduplicated and sorted.
func Authorities(roleName string, permissionCodes []string) []string {
	set := make(map[string]struct{}, len(permissionCodes)+1)
	if name := strings.TrimSpace(roleName); name != "" {
		set[RoleAuthority(name)] = struct{}{}
	}
	for _, code := range permissionCodes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		set[code] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RoleAuthority renders the authority string granted by holding a role.
func RoleAuthority(roleName string) string {
	name := strings.ToUpper(strings.TrimSpace(roleName))
	name = strings.ReplaceAll(name, " ", "_")
	return rolePrefix + name
}

// HasAuthority reports whether the principal holds the exact authority.
func (p Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds an active permission code.
func (p Principal) HasPermission(code string) bool {
	return p.HasAuthority(strings.ToLower(strings.TrimSpace(code)))
}

// HasRole checks the ROLE_ authority for roleName.
func (p Principal) HasRole(roleName string) bool {
	return p.HasAuthority(RoleAuthority(roleName))
}

// Active reports whether the principal may act at all.
func (p Principal) Active() bool {
	return p.Enabled && !p.Locked
}

// Equivalent compares the authorization-relevant parts of two principals.
func (p Principal) Equivalent(other Principal) bool {
	if p.IdentityID != other.IdentityID || p.TenantID != other.TenantID || p.Kind != other.Kind {
		return false
	}
	if p.RoleID != other.RoleID || p.RoleLevel != other.RoleLevel {
		return false
	}
	if !sameID(p.CustomerID, other.CustomerID) {
		return false
	}
	return equalStrings(p.Authorities, other.Authorities) && equalIDs(p.ResourceScopes, other.ResourceScopes)
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
