package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/tokencache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	grantTypeRefreshToken = "refresh_token"
	grantTypeJWTBearer    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Config configures a Client.
type Config struct {
	// Authority is the identity provider base URL, for example
	// https://login.microsoftonline.com/contoso.onmicrosoft.com.
	Authority    string
	ClientID     string
	ClientSecret string
	// AppResource is the resource the login token is requested for.
	// Defaults to ClientID.
	AppResource string
	HTTPClient  *http.Client
}

// Client performs token requests for one registered application. Every call
// runs inside one access cycle of the user's persisted token cache.
type Client struct {
	authority    string
	clientID     string
	clientSecret string
	appResource  string
	httpClient   *http.Client
	cache        *tokencache.Persisted
	now          func() time.Time
}

// NewClient creates a new identity provider client
func NewClient(cfg Config, cache *tokencache.Persisted) (*Client, error) {
	if cfg.Authority == "" {
		return nil, fmt.Errorf("authority is required")
	}
	if _, err := url.ParseRequestURI(cfg.Authority); err != nil {
		return nil, fmt.Errorf("invalid authority: %w", err)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("clientId is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("token cache is required")
	}

	appResource := cfg.AppResource
	if appResource == "" {
		appResource = cfg.ClientID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		authority:    strings.TrimRight(cfg.Authority, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		appResource:  appResource,
		httpClient:   httpClient,
		cache:        cache,
		now:          time.Now,
	}, nil
}

// AppResource returns the resource login tokens are issued for.
func (c *Client) AppResource() string {
	return c.appResource
}

// AuthorizeURL builds the URL the user opens to log in. The provider posts
// the result back to redirectURI as a form.
func (c *Client) AuthorizeURL(redirectURI, state string, requireConsent bool) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_mode", "form_post")
	q.Set("response_type", "code")
	q.Set("scope", "openid profile")
	if requireConsent {
		q.Set("prompt", "consent")
	}
	q.Set("state", state)
	return authorizeEndpoint(c.authority) + "?" + q.Encode()
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode redeems an authorization code. redirectURI must be the one
// the login URL was built with, without query string. The result is cached
// for the application resource.
func (c *Client) ExchangeCode(ctx context.Context, userKey, code, redirectURI string) (*TokenResult, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}

	cfg := oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authorizeEndpoint(c.authority),
			TokenURL:  tokenEndpoint(c.authority),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	var result *TokenResult
	err := c.cache.Access(ctx, userKey, func(cache *tokencache.Cache) error {
		token, err := cfg.Exchange(c.oauthContext(ctx), code,
			oauth2.SetAuthURLParam("resource", c.appResource))
		if err != nil {
			return asProviderError(err)
		}

		result, err = c.toResult(token, "")
		if err != nil {
			return err
		}
		c.store(cache, c.appResource, result)
		return nil
	})
	if err != nil {
		log.LogWarnWithFields("idp", "Authorization code exchange failed", map[string]any{
			"user":  userKey,
			"error": err.Error(),
		})
		return nil, err
	}

	log.LogInfoWithFields("idp", "Authorization code redeemed", map[string]any{
		"user":      userKey,
		"unique_id": result.UniqueID,
	})
	return result, nil
}

// AcquireSilently returns a token for resource without user interaction:
// a valid cached token, or one obtained by redeeming a cached refresh token.
// It returns nil when neither works. Provider errors are logged, not
// returned.
func (c *Client) AcquireSilently(ctx context.Context, userKey, resource, uniqueID string) *TokenResult {
	if uniqueID == "" {
		return nil
	}

	var result *TokenResult
	err := c.cache.Access(ctx, userKey, func(cache *tokencache.Cache) error {
		if item, ok := cache.Lookup(resource, uniqueID, c.now()); ok {
			result = fromItem(item)
			return nil
		}

		item, ok := cache.FindRefreshable(resource, uniqueID)
		if !ok {
			return nil
		}

		token, err := c.tokenRequest(ctx, url.Values{
			"grant_type":    {grantTypeRefreshToken},
			"refresh_token": {item.RefreshToken},
			"resource":      {resource},
		})
		if err != nil {
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Code == "invalid_grant" {
				// the refresh token is dead; stop offering it
				cache.Remove(item.Resource, item.UniqueID)
			}
			return err
		}

		refreshed, err := c.toResult(token, uniqueID)
		if err != nil {
			return err
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = item.RefreshToken
		}
		c.store(cache, resource, refreshed)
		result = refreshed
		return nil
	})
	if err != nil {
		log.LogWarnWithFields("idp", "Ignoring silent token error", map[string]any{
			"user":     userKey,
			"resource": resource,
			"error":    err.Error(),
		})
		return nil
	}

	if result != nil {
		log.LogDebugWithFields("idp", "Silent token acquired", map[string]any{
			"user":     userKey,
			"resource": resource,
		})
	}
	return result
}

// AcquireWithAssertion exchanges assertion, a token issued to this
// application, for a token for resource using the on-behalf-of grant.
func (c *Client) AcquireWithAssertion(ctx context.Context, userKey, resource, assertion string) (*TokenResult, error) {
	if assertion == "" {
		return nil, fmt.Errorf("assertion is empty")
	}

	// the assertion identifies the user when the issued token carries no claims
	fallbackID := ""
	if id, err := parseIdentity(assertion); err == nil {
		fallbackID = id.UniqueID
	}

	var result *TokenResult
	err := c.cache.Access(ctx, userKey, func(cache *tokencache.Cache) error {
		token, err := c.tokenRequest(ctx, url.Values{
			"grant_type":          {grantTypeJWTBearer},
			"assertion":           {assertion},
			"requested_token_use": {"on_behalf_of"},
			"resource":            {resource},
		})
		if err != nil {
			return err
		}

		result, err = c.toResult(token, fallbackID)
		if err != nil {
			return err
		}
		c.store(cache, resource, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// tokenRequest posts a grant to the token endpoint with the client
// credentials. clientcredentials lets params override grant_type.
func (c *Client) tokenRequest(ctx context.Context, params url.Values) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:       c.clientID,
		ClientSecret:   c.clientSecret,
		TokenURL:       tokenEndpoint(c.authority),
		EndpointParams: params,
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	token, err := cfg.Token(c.oauthContext(ctx))
	if err != nil {
		return nil, asProviderError(err)
	}
	return token, nil
}

// toResult extracts the identity from the ID token, falling back to the
// access token and then to fallbackID.
func (c *Client) toResult(token *oauth2.Token, fallbackID string) (*TokenResult, error) {
	result := &TokenResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}

	var id identity
	var err error
	if result.IDToken != "" {
		id, err = parseIdentity(result.IDToken)
		if err != nil {
			return nil, err
		}
	} else if parsed, perr := parseIdentity(result.AccessToken); perr == nil {
		id = parsed
	}
	if id.UniqueID == "" {
		id.UniqueID = fallbackID
	}
	if id.UniqueID == "" {
		return nil, fmt.Errorf("token response carries no user identity")
	}

	result.UniqueID = id.UniqueID
	result.Upn = id.Upn
	result.GivenName = id.GivenName
	result.FamilyName = id.FamilyName
	return result, nil
}

func (c *Client) store(cache *tokencache.Cache, resource string, r *TokenResult) {
	cache.Store(tokencache.Item{
		Resource:     resource,
		UniqueID:     r.UniqueID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		IDToken:      r.IDToken,
		Expiry:       r.Expiry,
	})
}

func fromItem(item tokencache.Item) *TokenResult {
	r := &TokenResult{
		AccessToken:  item.AccessToken,
		IDToken:      item.IDToken,
		RefreshToken: item.RefreshToken,
		Expiry:       item.Expiry,
		UniqueID:     item.UniqueID,
	}
	if item.IDToken != "" {
		if id, err := parseIdentity(item.IDToken); err == nil {
			r.Upn = id.Upn
			r.GivenName = id.GivenName
			r.FamilyName = id.FamilyName
		}
	}
	return r
}
