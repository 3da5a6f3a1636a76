package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cc-proxy/cc-proxy/internal/process"
	"github.com/cc-proxy/cc-proxy/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy service",
	Long:  `Start the proxy service in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)
	applyConfigFlag(cmd)

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"providers", len(cfg.Providers),
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	srv := server.New(cfgMgr, logger)
	return srv.Start()
}
