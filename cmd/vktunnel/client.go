package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/vktunnel/internal/config"
	"github.com/loykin/vktunnel/internal/tunnel"
	"github.com/loykin/vktunnel/pkg/client"
)

// newAPIClient resolves the daemon URL from --api-url or the [server] section.
func newAPIClient(flags *GlobalFlags) (*client.Client, error) {
	url := flags.APIUrl
	if url == "" {
		cfg, err := config.Read(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		url = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	return client.New(client.Config{BaseURL: url, Timeout: flags.APITimeout}), nil
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel status reported by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

// printStatus renders the snapshot the way the bot does, without Markdown.
func printStatus(w io.Writer, st client.Status) {
	text := tunnel.FormatStatus(tunnel.Snapshot{
		PID:                       st.PID,
		Running:                   st.Running,
		ConsecutiveHealthFailures: st.ConsecutiveHealthFailures,
		TotalCrashes:              st.TotalCrashes,
		CurrentHost:               st.CurrentHost,
		WaitingForAuth:            st.WaitingForAuth,
		Stopped:                   st.Stopped,
		Blocked:                   st.Blocked,
		UptimeSeconds:             st.UptimeSeconds,
		LastHealthAgeSeconds:      st.LastHealthAgeSeconds,
	})
	text = strings.NewReplacer("*", "", "`", "").Replace(text)
	_, _ = fmt.Fprint(w, text)
	if st.AuthURL != "" {
		_, _ = fmt.Fprintf(w, "Authorization URL: %s\n", st.AuthURL)
	}
}

func simpleCommand(flags *GlobalFlags, use, short, done string, call func(*client.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			if err := call(c, cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return simpleCommand(flags, "start", "Resume a stopped or blocked tunnel", "start requested", (*client.Client).Start)
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return simpleCommand(flags, "stop", "Stop the tunnel until the next start", "stop requested", (*client.Client).Stop)
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return simpleCommand(flags, "restart", "Restart the tunnel process", "restart requested", (*client.Client).Restart)
}

func createAcceptCommand(flags *GlobalFlags) *cobra.Command {
	return simpleCommand(flags, "accept", "Confirm a pending VK authorization", "authorization confirmed", (*client.Client).Accept)
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	logsFlags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the last lines of the manager log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			lines, err := c.Logs(ctx, logsFlags.Lines)
			if err != nil {
				return err
			}
			for _, l := range lines {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&logsFlags.Lines, "lines", "n", 20, "number of lines")
	return cmd
}
