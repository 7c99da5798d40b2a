package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/bot-auth-bridge/internal"
	"github.com/dgellow/bot-auth-bridge/internal/config"
	"github.com/dgellow/bot-auth-bridge/internal/log"
	"github.com/dgellow/bot-auth-bridge/internal/sessiontoken"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"EncryptionKey":    map[string]string{"$env": "BOT_ENCRYPTION_KEY"},
		"Authority":        "https://login.microsoftonline.com/yourtenant.onmicrosoft.com",
		"ClientId":         "00000000-0000-0000-0000-000000000000",
		"ClientSecret":     map[string]string{"$env": "BOT_CLIENT_SECRET"},
		"Addr":             config.DefaultAddr,
		"BaseUrl":          "https://bot.yourcompany.com",
		"CallbackPath":     config.DefaultCallbackPath,
		"CallbackTimeout":  config.DefaultCallbackTimeout.String(),
		"SessionTokenTtl":  config.DefaultSessionTokenTTL.String(),
		"PreAuthResources": []string{"https://graph.microsoft.com"},
		"Storage":          string(config.StorageMemory),
		"TrustProxy":       false,
		"MessagesEnabled":  false,
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Printf("\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Printf("  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Println()
	switch {
	case len(result.Errors) > 0:
		fmt.Println("Result: FAIL")
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	case len(result.Warnings) > 0:
		fmt.Println("Result: PASS (with warnings)")
	default:
		fmt.Println("Result: PASS")
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (optional, settings can come from the environment)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	generateKey := flag.Bool("generate-key", false, "print a new base64 EncryptionKey and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *generateKey {
		key, err := sessiontoken.GenerateKey(sessiontoken.DefaultKeyBits)
		if err != nil {
			log.LogError("Failed to generate key: %v", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting bot-auth-bridge", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewBotAuth(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create service: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
