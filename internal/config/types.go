package config

import (
	"encoding/json"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the backing store for conversation and user state
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
	StorageSQLite    StorageKind = "sqlite"
)

const (
	DefaultAddr                = ":8080"
	DefaultCallbackPath        = "/auth/callback"
	DefaultCallbackTimeout     = 30 * time.Second
	DefaultSessionTokenTTL     = 15 * time.Minute
	DefaultFirestoreCollection = "bot_state"
	DefaultSQLitePath          = "bot-state.db"
	DefaultCallbackRateLimit   = 5.0
	DefaultCallbackBurst       = 20
)

// Config is the process configuration. Every key can be set in the JSON
// file, as APPSETTING_<Key> or as <Key> in the environment; the last one
// found wins.
type Config struct {
	// EncryptionKey is the base64 RSA private key sealing the login state.
	EncryptionKey Secret `json:"EncryptionKey" env:"EncryptionKey"`
	Authority     string `json:"Authority" env:"Authority"`
	// Tenant builds an Azure AD Authority when Authority is not set.
	Tenant        string `json:"Tenant" env:"Tenant"`
	ClientID      string `json:"ClientId" env:"ClientId"`
	ClientSecret  Secret `json:"ClientSecret" env:"ClientSecret"`

	Addr            string        `json:"Addr" env:"Addr"`
	BaseURL         string        `json:"BaseUrl" env:"BaseUrl"`
	CallbackPath    string        `json:"CallbackPath" env:"CallbackPath"`
	CallbackTimeout time.Duration `json:"CallbackTimeout" env:"CallbackTimeout"`
	SessionTokenTTL time.Duration `json:"SessionTokenTtl" env:"SessionTokenTtl"`

	// AppResource is the resource of the application login. Defaults to ClientId.
	AppResource string `json:"AppResource" env:"AppResource"`
	// PreAuthResources are redeemed right after every login.
	PreAuthResources []string `json:"PreAuthResources" env:"PreAuthResources" envSeparator:","`

	Storage             StorageKind `json:"Storage" env:"Storage"`
	GCPProject          string      `json:"GcpProject" env:"GcpProject"`
	FirestoreDatabase   string      `json:"FirestoreDatabase" env:"FirestoreDatabase"`
	FirestoreCollection string      `json:"FirestoreCollection" env:"FirestoreCollection"`
	SQLitePath          string      `json:"SqlitePath" env:"SqlitePath"`

	CallbackRateLimit float64 `json:"CallbackRateLimit" env:"CallbackRateLimit"`
	CallbackBurst     int     `json:"CallbackBurst" env:"CallbackBurst"`
	// TrustProxy makes the rate limiter key clients by X-Forwarded-For.
	TrustProxy        bool `json:"TrustProxy" env:"TrustProxy"`
	TrustedProxyCount int  `json:"TrustedProxyCount" env:"TrustedProxyCount"`

	// MessagesEnabled mounts the development message endpoint. Callers
	// must present MessagesSecret as a bearer token: whoever can post there
	// can speak for any user.
	MessagesEnabled bool   `json:"MessagesEnabled" env:"MessagesEnabled"`
	MessagesSecret  Secret `json:"MessagesSecret" env:"MessagesSecret"`

	MetricsEnabled bool `json:"MetricsEnabled" env:"MetricsEnabled"`
}

// RedirectURL is the callback URL registered with the identity provider.
func (c *Config) RedirectURL() string {
	return c.BaseURL + c.CallbackPath
}

func defaults() Config {
	return Config{
		Addr:                DefaultAddr,
		CallbackPath:        DefaultCallbackPath,
		CallbackTimeout:     DefaultCallbackTimeout,
		SessionTokenTTL:     DefaultSessionTokenTTL,
		Storage:             StorageMemory,
		FirestoreCollection: DefaultFirestoreCollection,
		SQLitePath:          DefaultSQLitePath,
		CallbackRateLimit:   DefaultCallbackRateLimit,
		CallbackBurst:       DefaultCallbackBurst,
		TrustedProxyCount:   1,
	}
}
