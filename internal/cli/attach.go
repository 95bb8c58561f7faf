package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/control"
)

// dialTarget resolves the control endpoint from the --target flag or the
// default unix socket location.
func dialTarget(target string) (*control.Client, error) {
	if target == "" {
		cfg, _, err := config.Load()
		if err != nil {
			return nil, err
		}
		target = cfg.ControlSocketPath()
	}
	return control.Dial(target)
}

func newAttachCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach this terminal to a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialTarget(target)
			if err != nil {
				return err
			}
			defer client.Close()

			stream, err := client.Attach(args[0])
			if err != nil {
				return err
			}
			defer stream.Close()

			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				oldState, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("raw mode: %w", err)
				}
				defer term.Restore(fd, oldState)
			}

			// Keystrokes in, session output out; either side ending
			// detaches.
			done := make(chan struct{}, 2)
			go func() {
				io.Copy(stream, os.Stdin)
				done <- struct{}{}
			}()
			go func() {
				io.Copy(os.Stdout, stream)
				done <- struct{}{}
			}()
			<-done
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "control socket path or ws:// URL (default: local socket)")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialTarget(target)
			if err != nil {
				return err
			}
			defer client.Close()

			sessions, err := client.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no live sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s  %dx%d  %s  created %s\n",
					s.ID, s.Cols, s.Rows, s.Command, s.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "control socket path or ws:// URL (default: local socket)")
	return cmd
}

func newKillCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialTarget(target)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Kill(args[0])
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "control socket path or ws:// URL (default: local socket)")
	return cmd
}
