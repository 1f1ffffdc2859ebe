package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/worktree-dev/ptysuperd/src/api"
	"github.com/worktree-dev/ptysuperd/src/config"
	"github.com/worktree-dev/ptysuperd/src/mcp"
	"github.com/worktree-dev/ptysuperd/src/supervisor"
)

func newServeCommand() *cobra.Command {
	var (
		port                  int
		configPath            string
		disableRequestLogging bool
		enableProcessingTime  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PTY session supervisor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			if err := godotenv.Load(); err != nil {
				log.Debug("no .env file found")
			}

			cfgManager, err := config.NewManager(configPath, log)
			if err != nil {
				return fmt.Errorf("cli: load config: %w", err)
			}
			if err := cfgManager.WatchAndReload(); err != nil {
				log.Warnf("config hot-reload disabled: %v", err)
			}
			defer cfgManager.Close()

			cur := cfgManager.Current()
			sup := supervisor.New(supervisor.Options{
				RingCapBytes:      cur.Ring.CapBytes,
				ReplayDelay:       cur.ReplayDelayDuration(),
				SpawnReadyTimeout: cur.SpawnReadyTimeoutDuration(),
				KillSafetyTimeout: cur.KillSafetyTimeoutDuration(),
				FDWarnPercent:     cur.Diagnostics.FDWarnPercent,
				FDCriticalPercent: cur.Diagnostics.FDCriticalPercent,
				FDSoftLimitFloor:  cur.Diagnostics.FDSoftLimitFloor,
				Log:               log,
			})
			cfgManager.OnReload(func(c config.Config) {
				sup.UpdateOptions(
					c.Ring.CapBytes, c.ReplayDelayDuration(), c.SpawnReadyTimeoutDuration(), c.KillSafetyTimeoutDuration(),
					c.Diagnostics.FDWarnPercent, c.Diagnostics.FDCriticalPercent, c.Diagnostics.FDSoftLimitFloor,
				)
				log.Infof("config: applied reloaded session/ring/diagnostics settings")
			})

			router := api.SetupRouter(sup, cfgManager, disableRequestLogging, enableProcessingTime)

			mcpServer, err := mcp.NewServer(router, sup, cfgManager)
			if err != nil {
				return fmt.Errorf("cli: create mcp server: %w", err)
			}
			if err := mcpServer.Serve(); err != nil {
				return fmt.Errorf("cli: start mcp server: %w", err)
			}

			addr := fmt.Sprintf(":%d", port)
			log.Infof("ptysuperd listening on %s", addr)
			return router.Run(addr)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("PTYSUPERD_CONFIG"), "Path to the TOML configuration file")
	cmd.Flags().BoolVar(&disableRequestLogging, "disable-request-logging", false, "Disable per-request access logging")
	cmd.Flags().BoolVar(&enableProcessingTime, "enable-processing-time", false, "Emit a Server-Timing header on every response")

	return cmd
}
