package cmd

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cc-proxy/cc-proxy/internal/process"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Run the Claude CLI against the proxy",
	Long:  `Start the proxy service if needed and run the Claude CLI with the proxy as its backend.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(cmd *cobra.Command, args []string) error {
	applyConfigFlag(cmd)
	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)

	serviceStartedByUs, err := procMgr.StartServiceIfNeeded()
	if err != nil {
		return err
	}

	env := os.Environ()

	// Drop any real Anthropic credentials so the CLI talks to the proxy.
	env = filterEnv(env, "ANTHROPIC_AUTH_TOKEN")
	env = filterEnv(env, "ANTHROPIC_API_KEY")

	if cfg.Server.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.Server.APIKey)
	} else {
		env = append(env, "ANTHROPIC_AUTH_TOKEN=proxy")
	}

	host := cfg.Server.Host
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	env = append(env, "ANTHROPIC_BASE_URL=http://"+host+":"+strconv.Itoa(cfg.Server.Port))
	env = append(env, "API_TIMEOUT_MS=600000")

	procMgr.IncrementRef()
	defer func() {
		procMgr.DecrementRef()
		if serviceStartedByUs && procMgr.ReadRef() == 0 {
			color.Yellow("No more active sessions, stopping auto-started service...")
			procMgr.Stop()
		}
	}()

	claudeCmd := exec.Command("claude", args...)
	claudeCmd.Env = env
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

func filterEnv(env []string, key string) []string {
	var filtered []string
	prefix := key + "="
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
