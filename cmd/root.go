// Package cmd implements the ccp command-line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cc-proxy/cc-proxy/internal/config"
)

const (
	AppName        = "cc-proxy"
	Version        = "0.1.0"
	ConfigFilename = "config.toml"
)

var (
	logger  *slog.Logger
	homeDir string
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger = slog.New(handler)

	// Local .env first so provider env_key values resolve in dev setups.
	_ = godotenv.Load()

	var err error
	homeDir, err = os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)

	configPath := filepath.Join(baseDir, ConfigFilename)
	if v := os.Getenv("CC_PROXY_CONFIG"); v != "" {
		configPath = v
	}
	cfgMgr = config.NewManager(configPath)
}

var rootCmd = &cobra.Command{
	Use:     "ccp",
	Short:   "Claude-compatible LLM proxy",
	Long:    `A proxy between Claude clients and OpenAI-compatible or native Anthropic providers, with model routing, transformers, and request history.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config.toml")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
}

func applyConfigFlag(cmd *cobra.Command) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfgMgr = config.NewManager(path)
	}
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found at %s", cfgMgr.GetPath())
		fmt.Println("Run 'ccp config init' to create a starter configuration")
		return fmt.Errorf("configuration required")
	}
	return nil
}
