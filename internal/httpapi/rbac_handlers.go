package httpapi

import (
	"net/http"

	"cinetenant.org/internal/auth"
)

type assignRoleRequest struct {
	RoleID int64 `json:"roleId"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type permissionStateRequest struct {
	Active *bool `json:"active"`
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	identityID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RoleID <= 0 {
		writeError(w, r, http.StatusBadRequest, "roleId is required")
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	identity, err := a.deps.RBAC.AssignRole(r.Context(), actor, identityID, req.RoleID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.record(r.Context(), "rbac.identity.role_assigned", map[string]any{
		"target_identity_id": identityID,
		"role_id":            req.RoleID,
	})
	writeJSON(w, http.StatusOK, identity)
}

func (a *API) identityStatus(enabled bool) http.Handler {
	event := "rbac.identity.deactivated"
	if enabled {
		event = "rbac.identity.activated"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identityID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		actor, _ := auth.PrincipalFromContext(r.Context())
		identity, err := a.deps.RBAC.SetIdentityEnabled(r.Context(), actor, identityID, enabled)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		a.record(r.Context(), event, map[string]any{"target_identity_id": identityID})
		writeJSON(w, http.StatusOK, identity)
	})
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	if err := a.deps.RBAC.SetRolePermissions(r.Context(), actor, roleID, req.Permissions); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.record(r.Context(), "rbac.role.permissions_updated", map[string]any{
		"role_id": roleID,
		"count":   len(req.Permissions),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissionActive(w http.ResponseWriter, r *http.Request) {
	code, err := auth.ParsePermissionCode(r.PathValue("code"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req permissionStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	if err := a.deps.RBAC.SetPermissionActive(r.Context(), actor, code, *req.Active); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.record(r.Context(), "rbac.permission.state_changed", map[string]any{
		"code":   code,
		"active": *req.Active,
	})
	w.WriteHeader(http.StatusNoContent)
}
