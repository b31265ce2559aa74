package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/authn"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	TokenType        string        `json:"tokenType"`
	ExpiresInSeconds int64         `json:"expiresInSeconds"`
	Principal        principalView `json:"principal"`
}

type principalView struct {
	IdentityID     int64    `json:"identityId"`
	Email          string   `json:"email,omitempty"`
	TenantID       int64    `json:"tenantId"`
	UserKind       string   `json:"userKind"`
	CustomerID     *int64   `json:"customerId,omitempty"`
	RoleID         int64    `json:"roleId"`
	RoleName       string   `json:"roleName"`
	RoleLevel      int      `json:"roleLevel"`
	ResourceScopes []int64  `json:"resourceScopes,omitempty"`
	Authorities    []string `json:"authorities"`
}

func newPrincipalView(p auth.Principal) principalView {
	return principalView{
		IdentityID:     p.IdentityID,
		Email:          p.Email,
		TenantID:       p.TenantID,
		UserKind:       string(p.Kind),
		CustomerID:     p.CustomerID,
		RoleID:         p.RoleID,
		RoleName:       p.RoleName,
		RoleLevel:      p.RoleLevel,
		ResourceScopes: p.ResourceScopes,
		Authorities:    p.Authorities,
	}
}

func newTokenResponse(pair authn.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        pair.TokenType,
		ExpiresInSeconds: int64(pair.ExpiresIn.Seconds()),
		Principal:        newPrincipalView(pair.Principal),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.deps.Sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.deps.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// handleLogout revokes the bearer credential and, when the body names one,
// the matching refresh credential.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeUnauthenticated(w, r)
		return
	}
	if err := a.deps.Sessions.Logout(r.Context(), token, req.RefreshToken); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, newPrincipalView(p))
}

func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeUnauthenticated(w, r)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		a.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
