package idp

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// identity is the user information carried in an ID or access token.
type identity struct {
	UniqueID   string
	Upn        string
	GivenName  string
	FamilyName string
}

// parseIdentity reads identity claims from a JWT without verifying it. The
// token was received directly from the token endpoint over TLS.
func parseIdentity(token string) (identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return identity{}, fmt.Errorf("failed to parse token claims: %w", err)
	}

	return identity{
		UniqueID:   firstClaim(claims, "oid", "sub"),
		Upn:        firstClaim(claims, "upn", "email", "unique_name", "preferred_username"),
		GivenName:  firstClaim(claims, "given_name"),
		FamilyName: firstClaim(claims, "family_name"),
	}, nil
}

func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if v, ok := claims[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
