package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/ensemble/internal/config"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		if isReplyError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// command carries the state shared by the subcommands.
type command struct {
	global *GlobalFlags
	client *ClientFlags
	out    io.Writer
}

func (c *command) config() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func buildRoot(out io.Writer) *cobra.Command {
	c := &command{global: &GlobalFlags{}, client: &ClientFlags{}, out: out}

	root := createRootCommand(c.global)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(c, &ServeFlags{}),
		createCheckCommand(c, &CheckFlags{}),
		createTemplateCommand(c, &TemplateFlags{}),
		clientCommand(c, createPingCommand(c)),
		clientCommand(c, createReadyCommand(c)),
		clientCommand(c, createSignalCommand(c)),
		clientCommand(c, createRunnersCommand(c)),
		clientCommand(c, createEndpointsCommand(c)),
		clientCommand(c, createRolesCommand(c)),
		clientCommand(c, createSendCommand(c)),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ensemble",
		Short: "Runner supervisor and local coordination service",
		Long: `Ensemble resolves a topology document into a tree of runner processes,
starts and supervises them, and answers a line-based control protocol that
runners use to signal startup, elect role holders and claim endpoints.

Examples:
  ensemble serve                       # supervise ./ensemble.ens
  ensemble check plant.ens             # print the resolved runner tree
  ensemble runners list orders         # ask a running supervisor
  ensemble roles claim discovery me`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (toml, yaml or json)")
	return root
}

// errReply is a failure reply of the control protocol.
type errReply string

func (e errReply) Error() string { return string(e) }

func isReplyError(err error) bool {
	var r errReply
	return errors.As(err, &r)
}
