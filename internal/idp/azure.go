package idp

import (
	"fmt"
	"strings"

	"github.com/dgellow/bot-auth-bridge/internal/urlutil"
)

const azureLoginHost = "https://login.microsoftonline.com"

// AzureAuthority returns the Azure AD authority URL for a tenant. Tenant can
// be a tenant id, a verified domain, or "common".
func AzureAuthority(tenant string) (string, error) {
	tenant = strings.Trim(strings.TrimSpace(tenant), "/")
	if tenant == "" {
		return "", fmt.Errorf("tenant is required for Azure AD")
	}
	return azureLoginHost + "/" + tenant, nil
}

// authorizeEndpoint and tokenEndpoint are the v1 endpoints, which take a
// resource parameter rather than scopes. authority is validated by
// NewClient.
func authorizeEndpoint(authority string) string {
	return urlutil.MustJoinPath(authority, "oauth2", "authorize")
}

func tokenEndpoint(authority string) string {
	return urlutil.MustJoinPath(authority, "oauth2", "token")
}
