package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// UnmarshalJSON overlays the keys present in data onto c. Secrets may be
// written as {"$env": "VAR"} references; durations are Go duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type rawConfig struct {
		EncryptionKey       json.RawMessage `json:"EncryptionKey"`
		Authority           *string         `json:"Authority"`
		Tenant              *string         `json:"Tenant"`
		ClientID            *string         `json:"ClientId"`
		ClientSecret        json.RawMessage `json:"ClientSecret"`
		Addr                *string         `json:"Addr"`
		BaseURL             *string         `json:"BaseUrl"`
		CallbackPath        *string         `json:"CallbackPath"`
		CallbackTimeout     *string         `json:"CallbackTimeout"`
		SessionTokenTTL     *string         `json:"SessionTokenTtl"`
		AppResource         *string         `json:"AppResource"`
		PreAuthResources    []string        `json:"PreAuthResources"`
		Storage             *StorageKind    `json:"Storage"`
		GCPProject          *string         `json:"GcpProject"`
		FirestoreDatabase   *string         `json:"FirestoreDatabase"`
		FirestoreCollection *string         `json:"FirestoreCollection"`
		SQLitePath          *string         `json:"SqlitePath"`
		CallbackRateLimit   *float64        `json:"CallbackRateLimit"`
		CallbackBurst       *int            `json:"CallbackBurst"`
		TrustProxy          *bool           `json:"TrustProxy"`
		TrustedProxyCount   *int            `json:"TrustedProxyCount"`
		MessagesEnabled     *bool           `json:"MessagesEnabled"`
		MessagesSecret      json.RawMessage `json:"MessagesSecret"`
		MetricsEnabled      *bool           `json:"MetricsEnabled"`
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.EncryptionKey != nil {
		value, err := ParseConfigValue(raw.EncryptionKey)
		if err != nil {
			return fmt.Errorf("parsing EncryptionKey: %w", err)
		}
		c.EncryptionKey = Secret(value)
	}
	if raw.ClientSecret != nil {
		value, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing ClientSecret: %w", err)
		}
		c.ClientSecret = Secret(value)
	}
	if raw.MessagesSecret != nil {
		value, err := ParseConfigValue(raw.MessagesSecret)
		if err != nil {
			return fmt.Errorf("parsing MessagesSecret: %w", err)
		}
		c.MessagesSecret = Secret(value)
	}

	if raw.CallbackTimeout != nil {
		d, err := time.ParseDuration(*raw.CallbackTimeout)
		if err != nil {
			return fmt.Errorf("parsing CallbackTimeout: %w", err)
		}
		c.CallbackTimeout = d
	}
	if raw.SessionTokenTTL != nil {
		d, err := time.ParseDuration(*raw.SessionTokenTTL)
		if err != nil {
			return fmt.Errorf("parsing SessionTokenTtl: %w", err)
		}
		c.SessionTokenTTL = d
	}

	setString(&c.Authority, raw.Authority)
	setString(&c.Tenant, raw.Tenant)
	setString(&c.ClientID, raw.ClientID)
	setString(&c.Addr, raw.Addr)
	setString(&c.BaseURL, raw.BaseURL)
	setString(&c.CallbackPath, raw.CallbackPath)
	setString(&c.AppResource, raw.AppResource)
	setString(&c.GCPProject, raw.GCPProject)
	setString(&c.FirestoreDatabase, raw.FirestoreDatabase)
	setString(&c.FirestoreCollection, raw.FirestoreCollection)
	setString(&c.SQLitePath, raw.SQLitePath)

	if raw.PreAuthResources != nil {
		c.PreAuthResources = raw.PreAuthResources
	}
	if raw.Storage != nil {
		c.Storage = *raw.Storage
	}
	if raw.CallbackRateLimit != nil {
		c.CallbackRateLimit = *raw.CallbackRateLimit
	}
	if raw.CallbackBurst != nil {
		c.CallbackBurst = *raw.CallbackBurst
	}
	if raw.TrustProxy != nil {
		c.TrustProxy = *raw.TrustProxy
	}
	if raw.TrustedProxyCount != nil {
		c.TrustedProxyCount = *raw.TrustedProxyCount
	}
	if raw.MessagesEnabled != nil {
		c.MessagesEnabled = *raw.MessagesEnabled
	}
	if raw.MetricsEnabled != nil {
		c.MetricsEnabled = *raw.MetricsEnabled
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// ParseConfigValue reads a plain string or an {"$env": "VAR"} reference.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
