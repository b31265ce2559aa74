package auth

const (
	PermIdentityUpdate   = "identity:update"
	PermRoleUpdate       = "role:update"
	PermPermissionUpdate = "permission:update"
)

// BuiltinPermissions seeds every tenant's permission catalog.
var BuiltinPermissions = []Permission{
	{Code: PermIdentityUpdate, Description: "Change role or status of identities", Active: true},
	{Code: PermRoleUpdate, Description: "Change the permissions granted to roles", Active: true},
	{Code: PermPermissionUpdate, Description: "Activate or deactivate catalog permissions", Active: true},
}
