package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

var knownKeys = []string{
	"EncryptionKey", "Authority", "Tenant", "ClientId", "ClientSecret",
	"Addr", "BaseUrl", "CallbackPath", "CallbackTimeout", "SessionTokenTtl",
	"AppResource", "PreAuthResources",
	"Storage", "GcpProject", "FirestoreDatabase", "FirestoreCollection", "SqlitePath",
	"CallbackRateLimit", "CallbackBurst", "TrustProxy", "TrustedProxyCount",
	"MessagesEnabled", "MessagesSecret", "MetricsEnabled",
}

var secretKeys = []string{"EncryptionKey", "ClientSecret", "MessagesSecret"}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result, nil
	}

	keys := make([]string, 0, len(rawConfig))
	for key := range rawConfig {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := rawConfig[key]
		if !slices.Contains(knownKeys, key) {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    key,
				Message: fmt.Sprintf("unknown key '%s' is ignored", key),
			})
			continue
		}

		if slices.Contains(secretKeys, key) {
			validateSecretReference(value, key, result)
			continue
		}
		checkBashStyleSyntax(value, key, result)

		switch key {
		case "CallbackTimeout", "SessionTokenTtl":
			s, ok := value.(string)
			if !ok {
				result.Errors = append(result.Errors, ValidationError{
					Path:    key,
					Message: fmt.Sprintf("%s must be a duration string like \"30s\"", key),
				})
				continue
			}
			if _, err := time.ParseDuration(s); err != nil {
				result.Errors = append(result.Errors, ValidationError{
					Path:    key,
					Message: fmt.Sprintf("invalid duration '%s'", s),
				})
			}
		case "Storage":
			s, _ := value.(string)
			switch StorageKind(s) {
			case StorageMemory, StorageFirestore, StorageSQLite:
			default:
				result.Errors = append(result.Errors, ValidationError{
					Path:    key,
					Message: fmt.Sprintf("unsupported storage '%v' - use memory, firestore or sqlite", value),
				})
			}
		case "PreAuthResources":
			if _, ok := value.([]any); !ok {
				result.Errors = append(result.Errors, ValidationError{
					Path:    key,
					Message: "PreAuthResources must be an array of resource URIs",
				})
			}
		}
	}

	return result, nil
}

// validateSecretReference warns about secrets stored as plain text and
// rejects malformed references.
func validateSecretReference(value any, key string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			result.Errors = append(result.Errors, ValidationError{
				Path:    key,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			})
			return
		}
		result.Warnings = append(result.Warnings, ValidationError{
			Path:    key,
			Message: fmt.Sprintf("%s is stored in plain text. Hint: use {\"$env\": \"YOUR_ENV_VAR\"} or set %s%s in the environment", key, AppSettingPrefix, key),
		})
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			result.Errors = append(result.Errors, ValidationError{
				Path:    key,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format, not %v", key, v),
			})
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Path:    key,
			Message: fmt.Sprintf("%s must be a string or an environment variable reference, not %T", key, value),
		})
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - set %s in the environment instead. Hint: values are not shell-expanded", match, varName),
			})
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
