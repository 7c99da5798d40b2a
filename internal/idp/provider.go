// Package idp talks to the identity provider's token endpoint: the
// authorization code exchange that completes a login, silent acquisition from
// the per-user token cache, and the on-behalf-of exchange that turns an
// application token into a resource token.
package idp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenResult is a token issued by the identity provider, with the identity
// of the user it was issued to.
type TokenResult struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	Expiry       time.Time

	UniqueID   string
	Upn        string
	GivenName  string
	FamilyName string
}

// AppToken returns the token that identifies the user to this application.
// The ID token's audience is the client itself, which is what the
// on-behalf-of grant expects as assertion.
func (r *TokenResult) AppToken() string {
	if r == nil {
		return ""
	}
	if r.IDToken != "" {
		return r.IDToken
	}
	return r.AccessToken
}

// ErrorKind classifies provider errors the dialogs know how to recover from.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindConsentRequired: the user never consented to the application
	// accessing the resource.
	KindConsentRequired
	// KindTokenExpired: the assertion presented to the provider has expired.
	KindTokenExpired
)

func (k ErrorKind) String() string {
	switch k {
	case KindConsentRequired:
		return "consent_required"
	case KindTokenExpired:
		return "token_expired"
	default:
		return "other"
	}
}

var (
	ErrConsentRequired = errors.New("consent required")
	ErrTokenExpired    = errors.New("token expired")
)

// ProviderError is a rejection returned by the token endpoint.
type ProviderError struct {
	Code        string
	Description string
	Kind        ErrorKind
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConsentRequired) and errors.Is(err,
// ErrTokenExpired) match classified provider errors.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrConsentRequired:
		return e.Kind == KindConsentRequired
	case ErrTokenExpired:
		return e.Kind == KindTokenExpired
	}
	return false
}

// Classify maps provider error text to an ErrorKind. AADSTS50013 also
// matches AADSTS500133, the newer code for an expired assertion.
func Classify(code, description string) ErrorKind {
	text := code + " " + description
	switch {
	case strings.Contains(text, "AADSTS65001"), strings.Contains(text, "consent_required"):
		return KindConsentRequired
	case strings.Contains(text, "AADSTS50013"):
		return KindTokenExpired
	default:
		return KindOther
	}
}

// asProviderError converts token endpoint failures into *ProviderError.
// Transport failures are returned unchanged.
func asProviderError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}

	code := re.ErrorCode
	description := re.ErrorDescription
	if code == "" {
		code = fmt.Sprintf("http_%d", statusCode(re))
		description = strings.TrimSpace(string(re.Body))
	}
	return &ProviderError{
		Code:        code,
		Description: description,
		Kind:        Classify(code, description+" "+string(re.Body)),
		Err:         err,
	}
}

func statusCode(re *oauth2.RetrieveError) int {
	if re.Response == nil {
		return 0
	}
	return re.Response.StatusCode
}
