package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/server"
)

func newServeCommand() *cobra.Command {
	var (
		port    int
		wsPath  string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shelltender server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := config.Load()
			if err != nil {
				return err
			}
			for _, w := range warnings {
				logger.Warn("config", "warning", w)
			}

			// Flags beat environment.
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("ws-path") {
				cfg.WSPath = wsPath
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			for _, w := range cfg.Validate() {
				logger.Warn("config", "warning", w)
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/ws", "websocket path")
	cmd.Flags().StringVar(&dataDir, "data-dir", ".sessions", "session store directory")
	return cmd
}
