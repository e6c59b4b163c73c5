package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fabfab/docrouter/config"
	"github.com/fabfab/docrouter/security"
)

const (
	headerUserID    = "X-User-ID"
	headerTenantID  = "X-Tenant-ID"
	headerRoles     = "X-Roles"
	headerGroups    = "X-Groups"
	headerProjectID = "X-Project-ID"
	headerTeamID    = "X-Team-ID"
	headerScopes    = "X-Scopes"
)

// identify resolves the caller. With auth disabled every request runs as
// the configured development user; otherwise the identity comes from
// headers set by the fronting gateway.
func identify(r *http.Request, auth config.AuthConfig) (security.SecurityContext, error) {
	var sc security.SecurityContext
	if !auth.Required {
		sc = security.SecurityContext{
			UserID:    auth.DevUserID,
			TenantID:  auth.DevTenant,
			ProjectID: auth.DevProject,
			Roles:     security.ParseRoles(auth.DevRoles),
			Groups:    auth.DevGroups,
		}
	} else {
		sc = security.SecurityContext{
			UserID:    strings.TrimSpace(r.Header.Get(headerUserID)),
			TenantID:  strings.TrimSpace(r.Header.Get(headerTenantID)),
			ProjectID: strings.TrimSpace(r.Header.Get(headerProjectID)),
			TeamID:    strings.TrimSpace(r.Header.Get(headerTeamID)),
			Roles:     security.ParseRoles(headerList(r, headerRoles)),
			Groups:    headerList(r, headerGroups),
			Scopes:    headerList(r, headerScopes),
		}
	}
	if err := sc.Validate(); err != nil {
		return security.SecurityContext{}, fmt.Errorf("resolve identity: %w", err)
	}
	return sc, nil
}

func headerList(r *http.Request, key string) []string {
	values := make([]string, 0)
	for _, raw := range r.Header.Values(key) {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	}
	return values
}
