package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/softqmi/config"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmid/thin"
)

type globals struct {
	socket  string
	timeout time.Duration
	verbose bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "qmictl",
		Short:         "qmictl - send QMI messages through qmid",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.verbose {
				pkg.SetLogLevel(slog.LevelDebug)
			}
		},
	}
	cmd.SetOut(out)

	socket := config.DefaultSocket
	if v, ok := os.LookupEnv(config.EnvSocket); ok {
		socket = v
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.socket, "socket", socket, "qmid socket path")
	pf.DurationVar(&g.timeout, "timeout", 5*time.Second, "per-request timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newIdentityCmd(g),
		newSendCmd(g),
		newRawCmd(g),
		newWatchCmd(g),
	)
	return cmd
}

// dial connects to qmid, bounded by the request timeout.
func (g *globals) dial(ctx context.Context) (*thin.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	c, err := thin.Dial(ctx, g.socket)
	if err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentCLI, "connected", "socket", g.socket)
	return c, nil
}

func (g *globals) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}
