// Package cli implements the shelltender command line: serve runs the
// server, attach/sessions/kill talk to a running server over the control
// socket, doctor prints diagnostics.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/shelltender/shelltender/internal/logger"
)

var (
	logLevel  string
	logFormat string
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "shelltender",
		Short: "Terminal-multiplexing server with persistent sessions",
		Long: `Shelltender spawns PTY sessions, persists their output across client
disconnects, and fans scrollback plus live output out to websocket clients.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Format: logFormat})
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newAttachCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newKillCommand())
	root.AddCommand(newDoctorCommand())
	return root
}
