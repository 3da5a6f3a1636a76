package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the proxy configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long:  `Write a commented starter config.toml to the configuration path.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with secrets masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Parse and validate the current configuration file.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

const starterConfig = `# cc-proxy configuration

[config]
host = "0.0.0.0"
port = 8082
# Shared secret clients must present; leave empty to accept any token.
api_key = ""
request_timeout = 90
max_retries = 2
max_tokens_limit = 4096
min_tokens_limit = 100
db_file = "cc.db"
# Default tier selections ("Provider:model" or a bare model name).
big_model = ""
middle_model = ""
small_model = ""

[[provider]]
name = "openrouter"
base_url = "https://openrouter.ai/api/v1"
env_key = "OPENROUTER_API_KEY"
provider_type = "openai"
big_models = ["anthropic/claude-sonnet-4"]
middle_models = ["anthropic/claude-sonnet-4"]
small_models = ["anthropic/claude-3.5-haiku"]

#[[provider]]
#name = "deepseek"
#base_url = "https://api.deepseek.com"
#env_key = "DEEPSEEK_API_KEY"
#provider_type = "openai"
#big_models = ["deepseek-chat"]
#middle_models = ["deepseek-chat"]
#small_models = ["deepseek-chat"]

#[transformers.deepseek]
#enabled = true
#max_output = 8192

#[transformers.openrouter]
#enabled = true
#cache_control = { ttl = 3600, refresh = "force" }
`

func runConfigInit(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)
	path := cfgMgr.GetPath()

	if cfgMgr.Exists() {
		color.Yellow("Configuration already exists at %s", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("write starter configuration: %w", err)
	}

	color.Green("Starter configuration written to: %s", path)
	color.Cyan("Edit it, then start the proxy with: ccp start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)

	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'ccp config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-16s: %s\n", "Host", cfg.Server.Host)
	fmt.Printf("  %-16s: %d\n", "Port", cfg.Server.Port)
	fmt.Printf("  %-16s: %s\n", "Client API Key", maskString(cfg.Server.APIKey))
	fmt.Printf("  %-16s: %ds\n", "Request Timeout", cfg.Server.RequestTimeout)
	fmt.Printf("  %-16s: %s\n", "History DB", cfg.Server.DBFile)
	fmt.Printf("  %-16s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		fmt.Printf("    Base URL: %s\n", provider.BaseURL)
		if provider.EnvKey != "" {
			fmt.Printf("    API Key: from $%s\n", provider.EnvKey)
		} else {
			fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))
		}
		if provider.ProviderType != "" {
			fmt.Printf("    Type: %s\n", provider.ProviderType)
		}
		fmt.Printf("    Big: %v\n", provider.BigModels)
		fmt.Printf("    Middle: %v\n", provider.MiddleModels)
		fmt.Printf("    Small: %v\n", provider.SmallModels)
		fmt.Println()
	}

	if len(cfg.Transformers) > 0 {
		fmt.Println("Transformers:")
		for name, tc := range cfg.Transformers {
			fmt.Printf("  - %s (enabled: %v)\n", name, tc.IsEnabled())
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)

	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found at %s", cfgMgr.GetPath())
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	var warnings []string
	for _, p := range cfg.Providers {
		if p.APIKey == "" && p.EnvKey == "" {
			warnings = append(warnings, fmt.Sprintf("provider %q has no api_key or env_key", p.Name))
		}
		if p.EnvKey != "" && os.Getenv(p.EnvKey) == "" {
			warnings = append(warnings, fmt.Sprintf("provider %q: $%s is not set", p.Name, p.EnvKey))
		}
		if len(p.BigModels)+len(p.MiddleModels)+len(p.SmallModels) == 0 {
			warnings = append(warnings, fmt.Sprintf("provider %q advertises no models", p.Name))
		}
	}

	if len(warnings) > 0 {
		color.Yellow("Configuration is valid, with warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
		return nil
	}

	color.Green("Configuration is valid!")
	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
