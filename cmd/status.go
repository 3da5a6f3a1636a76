package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cc-proxy/cc-proxy/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy service status",
	Long:  `Display the current status of the proxy service.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) {
	applyConfigFlag(cmd)

	procMgr := process.NewManager(baseDir)

	running := procMgr.IsRunning()
	pid := procMgr.ReadPID()
	refs := procMgr.ReadRef()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)
	fmt.Printf("  %-15s: %d\n", "PID", pid)

	if cfgMgr.Exists() {
		if cfg, err := cfgMgr.Load(); err == nil {
			fmt.Printf("  %-15s: %s\n", "Host", cfg.Server.Host)
			fmt.Printf("  %-15s: %d\n", "Port", cfg.Server.Port)
			fmt.Printf("  %-15s: http://%s:%d\n", "Endpoint", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  %-15s: %d\n", "Providers", len(cfg.Providers))
			fmt.Printf("  %-15s: %s\n", "History DB", cfg.Server.DBFile)
		}
	}

	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: %d\n", "References", refs)
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}
