package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/storage"
	"github.com/dgellow/bot-auth-bridge/internal/tokencache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

// tokenServer is a fake token endpoint. handle returns the JSON body and
// status for each request.
type tokenServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []url.Values
	handle   func(form url.Values) (int, map[string]any)
}

func newTokenServer(t *testing.T, handle func(form url.Values) (int, map[string]any)) *tokenServer {
	ts := &tokenServer{handle: handle}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tenant/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())

		ts.mu.Lock()
		ts.requests = append(ts.requests, r.PostForm)
		ts.mu.Unlock()

		status, body := ts.handle(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) Requests() []url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]url.Values(nil), ts.requests...)
}

func newTestClient(t *testing.T, ts *tokenServer) (*Client, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	client, err := NewClient(Config{
		Authority:    ts.URL + "/tenant",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		HTTPClient:   ts.Client(),
	}, tokencache.NewPersisted(store, ""))
	require.NoError(t, err)
	return client, store
}

func TestNewClientValidation(t *testing.T) {
	cache := tokencache.NewPersisted(storage.NewMemoryStorage(), "")

	_, err := NewClient(Config{ClientID: "c"}, cache)
	assert.ErrorContains(t, err, "authority is required")

	_, err = NewClient(Config{Authority: "https://login.example.com/t"}, cache)
	assert.ErrorContains(t, err, "clientId is required")

	_, err = NewClient(Config{Authority: "https://login.example.com/t", ClientID: "c"}, nil)
	assert.ErrorContains(t, err, "token cache is required")

	c, err := NewClient(Config{Authority: "https://login.example.com/t/", ClientID: "c"}, cache)
	require.NoError(t, err)
	assert.Equal(t, "c", c.AppResource())
}

func TestAuthorizeURL(t *testing.T) {
	c, err := NewClient(Config{Authority: "https://login.example.com/tenant", ClientID: "client-id"},
		tokencache.NewPersisted(storage.NewMemoryStorage(), ""))
	require.NoError(t, err)

	raw := c.AuthorizeURL("https://bot.example.com/auth/callback", "tok.en-_", false)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "login.example.com", u.Host)
	assert.Equal(t, "/tenant/oauth2/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://bot.example.com/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	assert.Equal(t, "tok.en-_", q.Get("state"))
	assert.False(t, q.Has("prompt"))

	u, err = url.Parse(c.AuthorizeURL("https://bot.example.com/auth/callback", "s", true))
	require.NoError(t, err)
	assert.Equal(t, "consent", u.Query().Get("prompt"))
}

func TestExchangeCode(t *testing.T) {
	idToken := makeJWT(t, jwt.MapClaims{
		"oid":         "U1",
		"sub":         "subject",
		"upn":         "ada@example.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
	})
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		return http.StatusOK, map[string]any{
			"access_token":  "app-access",
			"refresh_token": "app-refresh",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
	})
	c, store := newTestClient(t, ts)

	result, err := c.ExchangeCode(context.Background(), "teams/u1", "abc", "https://bot.example.com/auth/callback")
	require.NoError(t, err)
	assert.Equal(t, "U1", result.UniqueID)
	assert.Equal(t, "ada@example.com", result.Upn)
	assert.Equal(t, "Ada", result.GivenName)
	assert.Equal(t, "Lovelace", result.FamilyName)
	assert.Equal(t, idToken, result.AppToken())

	reqs := ts.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "authorization_code", reqs[0].Get("grant_type"))
	assert.Equal(t, "abc", reqs[0].Get("code"))
	assert.Equal(t, "https://bot.example.com/auth/callback", reqs[0].Get("redirect_uri"))
	assert.Equal(t, "client-id", reqs[0].Get("resource"))
	assert.Equal(t, "client-secret", reqs[0].Get("client_secret"))
	assert.Equal(t, 1, store.Writes())

	// the app token is now served from the cache
	cached := c.AcquireSilently(context.Background(), "teams/u1", c.AppResource(), "U1")
	require.NotNil(t, cached)
	assert.Equal(t, idToken, cached.AppToken())
	assert.Equal(t, "ada@example.com", cached.Upn)
	assert.Len(t, ts.Requests(), 1)
	assert.Equal(t, 1, store.Writes())
}

func TestExchangeCodeProviderError(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		return http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "AADSTS70008: The provided authorization code has expired.",
		}
	})
	c, store := newTestClient(t, ts)

	_, err := c.ExchangeCode(context.Background(), "teams/u1", "abc", "https://bot.example.com/auth/callback")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, KindOther, pe.Kind)
	assert.Equal(t, "invalid_grant: AADSTS70008: The provided authorization code has expired.", err.Error())
	assert.Equal(t, 0, store.Writes())
}

func TestAcquireSilentlyRefreshes(t *testing.T) {
	idToken := makeJWT(t, jwt.MapClaims{"oid": "U1"})
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		switch form.Get("grant_type") {
		case "authorization_code":
			return http.StatusOK, map[string]any{
				"access_token":  "app-access",
				"refresh_token": "rt-1",
				"id_token":      idToken,
				"expires_in":    3600,
			}
		case "refresh_token":
			return http.StatusOK, map[string]any{
				"access_token": makeJWT(t, jwt.MapClaims{"oid": "U1", "aud": form.Get("resource")}),
				"expires_in":   3600,
			}
		}
		return http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"}
	})
	c, store := newTestClient(t, ts)
	ctx := context.Background()

	_, err := c.ExchangeCode(ctx, "teams/u1", "abc", "https://bot/cb")
	require.NoError(t, err)

	result := c.AcquireSilently(ctx, "teams/u1", "https://graph.example.com", "U1")
	require.NotNil(t, result)
	assert.Equal(t, "U1", result.UniqueID)
	assert.Equal(t, "rt-1", result.RefreshToken, "refresh token carried over")
	assert.Equal(t, 2, store.Writes())

	reqs := ts.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "rt-1", reqs[1].Get("refresh_token"))
	assert.Equal(t, "https://graph.example.com", reqs[1].Get("resource"))
	assert.Equal(t, "client-id", reqs[1].Get("client_id"))

	// second call hits the cache
	again := c.AcquireSilently(ctx, "teams/u1", "https://graph.example.com", "U1")
	require.NotNil(t, again)
	assert.Equal(t, result.AccessToken, again.AccessToken)
	assert.Len(t, ts.Requests(), 2)
	assert.Equal(t, 2, store.Writes())
}

func TestAcquireSilentlyNothingCached(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		t.Error("no request expected")
		return http.StatusInternalServerError, nil
	})
	c, store := newTestClient(t, ts)

	assert.Nil(t, c.AcquireSilently(context.Background(), "teams/u1", "r", "U1"))
	assert.Nil(t, c.AcquireSilently(context.Background(), "teams/u1", "r", ""))
	assert.Equal(t, 0, store.Writes())
}

func TestAcquireSilentlySwallowsErrors(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		return http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "AADSTS700082: The refresh token has expired due to inactivity.",
		}
	})
	c, store := newTestClient(t, ts)
	ctx := context.Background()

	err := c.cache.Access(ctx, "teams/u1", func(cache *tokencache.Cache) error {
		cache.Store(tokencache.Item{Resource: "app", UniqueID: "U1", RefreshToken: "dead"})
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, c.AcquireSilently(ctx, "teams/u1", "r", "U1"))
	assert.Equal(t, 2, store.Writes(), "dead refresh token removed")

	// nothing left to refresh, no further request
	assert.Nil(t, c.AcquireSilently(ctx, "teams/u1", "r", "U1"))
	assert.Len(t, ts.Requests(), 1)
}

func TestAcquireWithAssertion(t *testing.T) {
	assertion := makeJWT(t, jwt.MapClaims{"oid": "U1", "aud": "client-id"})
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		return http.StatusOK, map[string]any{
			"access_token":  "opaque-resource-token",
			"refresh_token": "rt-resource",
			"expires_in":    "3599",
		}
	})
	c, store := newTestClient(t, ts)

	result, err := c.AcquireWithAssertion(context.Background(), "teams/u1", "https://graph.example.com", assertion)
	require.NoError(t, err)
	assert.Equal(t, "opaque-resource-token", result.AccessToken)
	assert.Equal(t, "U1", result.UniqueID, "identity taken from the assertion")
	assert.WithinDuration(t, time.Now().Add(time.Hour), result.Expiry, 5*time.Second)
	assert.Equal(t, 1, store.Writes())

	reqs := ts.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", reqs[0].Get("grant_type"))
	assert.Equal(t, "on_behalf_of", reqs[0].Get("requested_token_use"))
	assert.Equal(t, assertion, reqs[0].Get("assertion"))
	assert.Equal(t, "https://graph.example.com", reqs[0].Get("resource"))

	cached := c.AcquireSilently(context.Background(), "teams/u1", "https://graph.example.com", "U1")
	require.NotNil(t, cached)
	assert.Equal(t, "opaque-resource-token", cached.AccessToken)
}

func TestAcquireWithAssertionClassifiesErrors(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        error
		kind        ErrorKind
	}{
		{
			name:        "consent",
			description: "AADSTS65001: The user or administrator has not consented to use the application.",
			want:        ErrConsentRequired,
			kind:        KindConsentRequired,
		},
		{
			name:        "expired assertion",
			description: "AADSTS500133: Assertion is not within its valid time range.",
			want:        ErrTokenExpired,
			kind:        KindTokenExpired,
		},
		{
			name:        "legacy expired assertion",
			description: "AADSTS50013: Assertion audience claim does not match the required value.",
			want:        ErrTokenExpired,
			kind:        KindTokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
				return http.StatusBadRequest, map[string]any{
					"error":             "invalid_grant",
					"error_description": tt.description,
				}
			})
			c, store := newTestClient(t, ts)

			_, err := c.AcquireWithAssertion(context.Background(), "teams/u1", "r", makeJWT(t, jwt.MapClaims{"oid": "U1"}))
			require.ErrorIs(t, err, tt.want)

			var pe *ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, 0, store.Writes())
		})
	}
}

func TestAcquireWithAssertionEmpty(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, map[string]any) {
		return http.StatusOK, nil
	})
	c, _ := newTestClient(t, ts)

	_, err := c.AcquireWithAssertion(context.Background(), "teams/u1", "r", "")
	assert.ErrorContains(t, err, "assertion is empty")
	assert.Empty(t, ts.Requests())
}
