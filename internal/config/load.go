package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/dgellow/bot-auth-bridge/internal/idp"
)

// AppSettingPrefix marks environment overrides set by the hosting platform.
const AppSettingPrefix = "APPSETTING_"

// Load builds the configuration from defaults, the optional JSON file at
// path, APPSETTING_-prefixed environment variables and finally environment
// variables named exactly like the keys.
func Load(path string) (Config, error) {
	config := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: AppSettingPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing %s environment: %w", AppSettingPrefix, err)
	}
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if config.Authority == "" && config.Tenant != "" {
		authority, err := idp.AzureAuthority(config.Tenant)
		if err != nil {
			return Config{}, err
		}
		config.Authority = authority
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.EncryptionKey == "" {
		return fmt.Errorf("EncryptionKey is required")
	}
	if err := validateAbsoluteURL("Authority", config.Authority); err != nil {
		return err
	}
	if config.ClientID == "" {
		return fmt.Errorf("ClientId is required")
	}
	if config.ClientSecret == "" {
		return fmt.Errorf("ClientSecret is required")
	}

	if config.Addr == "" {
		return fmt.Errorf("Addr is required")
	}
	if err := validateAbsoluteURL("BaseUrl", config.BaseURL); err != nil {
		return err
	}
	if strings.HasSuffix(config.BaseURL, "/") {
		return fmt.Errorf("BaseUrl must not end with a slash")
	}
	if !strings.HasPrefix(config.CallbackPath, "/") {
		return fmt.Errorf("CallbackPath must start with a slash")
	}
	if config.CallbackTimeout <= 0 {
		return fmt.Errorf("CallbackTimeout must be positive")
	}
	if config.SessionTokenTTL < 0 {
		return fmt.Errorf("SessionTokenTtl must not be negative")
	}

	switch config.Storage {
	case StorageMemory:
	case StorageFirestore:
		if config.GCPProject == "" {
			return fmt.Errorf("GcpProject is required when using firestore storage")
		}
		if config.FirestoreCollection == "" {
			return fmt.Errorf("FirestoreCollection is required when using firestore storage")
		}
	case StorageSQLite:
		if config.SQLitePath == "" {
			return fmt.Errorf("SqlitePath is required when using sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported storage %q (use memory, firestore or sqlite)", config.Storage)
	}

	if config.CallbackRateLimit < 0 {
		return fmt.Errorf("CallbackRateLimit must not be negative")
	}
	if config.CallbackRateLimit > 0 && config.CallbackBurst < 1 {
		return fmt.Errorf("CallbackBurst must be at least 1 when CallbackRateLimit is set")
	}

	if config.TrustProxy && config.TrustedProxyCount < 1 {
		return fmt.Errorf("TrustedProxyCount must be at least 1 when TrustProxy is set")
	}
	if config.MessagesEnabled && config.MessagesSecret == "" {
		return fmt.Errorf("MessagesSecret is required when MessagesEnabled is set")
	}

	for i, resource := range config.PreAuthResources {
		if strings.TrimSpace(resource) == "" {
			return fmt.Errorf("PreAuthResources[%d] is empty", i)
		}
	}

	return nil
}

func validateAbsoluteURL(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
