package tenancy

import (
	"strconv"
	"strings"

	"cinetenant.org/internal/auth"
)

// Parameter names, without the configurable prefix.
const (
	ParamUserKind       = "user_kind"
	ParamTenantID       = "current_tenant_id"
	ParamCustomerID     = "current_customer_id"
	ParamResourceScopes = "allowed_resource_scopes"
	ParamIdentityID     = "current_identity_id"
)

// Setting is one transaction-scoped database parameter.
type Setting struct {
	Name  string
	Value string
}

// Params is the tenant scope derived from a principal.
type Params struct {
	UserKind       auth.UserKind
	TenantID       *int64
	CustomerID     *int64
	ResourceScopes []int64
	IdentityID     *int64
}

// ParamsFor maps a principal to its scope. A nil principal is an
// unauthenticated request and yields only user_kind=SYSTEM.
func ParamsFor(principal *auth.Principal) Params {
	if principal == nil || !principal.Kind.Valid() {
		return Params{UserKind: auth.UserKindSystem}
	}
	p := Params{UserKind: principal.Kind}
	switch principal.Kind {
	case auth.UserKindEmployee:
		p.TenantID = ptr(principal.TenantID)
		if len(principal.ResourceScopes) > 0 {
			p.ResourceScopes = append([]int64(nil), principal.ResourceScopes...)
		}
	case auth.UserKindCustomer:
		p.TenantID = ptr(principal.TenantID)
		if principal.CustomerID != nil {
			p.CustomerID = ptr(*principal.CustomerID)
		}
	}
	if principal.IdentityID > 0 {
		p.IdentityID = ptr(principal.IdentityID)
	}
	return p
}

// Settings lists the parameters to set, in a stable order.
func (p Params) Settings() []Setting {
	out := []Setting{{Name: ParamUserKind, Value: string(p.UserKind)}}
	if p.TenantID != nil {
		out = append(out, Setting{Name: ParamTenantID, Value: strconv.FormatInt(*p.TenantID, 10)})
	}
	if p.CustomerID != nil {
		out = append(out, Setting{Name: ParamCustomerID, Value: strconv.FormatInt(*p.CustomerID, 10)})
	}
	if len(p.ResourceScopes) > 0 {
		ids := make([]string, len(p.ResourceScopes))
		for i, id := range p.ResourceScopes {
			ids[i] = strconv.FormatInt(id, 10)
		}
		out = append(out, Setting{Name: ParamResourceScopes, Value: strings.Join(ids, ",")})
	}
	if p.IdentityID != nil {
		out = append(out, Setting{Name: ParamIdentityID, Value: strconv.FormatInt(*p.IdentityID, 10)})
	}
	return out
}

func ptr(v int64) *int64 {
	return &v
}
