package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/ensemble/internal/protocol"
)

// clientCommand adds the flags that locate the command server.
func clientCommand(c *command, cmd *cobra.Command) *cobra.Command {
	f := cmd.PersistentFlags()
	f.StringVar(&c.client.Name, "name", "", "command server name (default supervisor.command_server.name)")
	f.StringVar(&c.client.SocketDir, "socket-dir", "", "directory of the command socket (default supervisor.command_server.socket_dir)")
	f.DurationVar(&c.client.Wait, "wait", 2*time.Second, "how long to retry connecting")
	f.DurationVar(&c.client.Timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

// request sends one command line and returns the reply. Error replies are
// returned as errReply.
func (c *command) request(ctx context.Context, line string) (string, error) {
	cfg, err := c.config()
	if err != nil {
		return "", err
	}
	name := c.client.Name
	if name == "" {
		name = cfg.Supervisor.CommandServer.Name
	}
	dir := c.client.SocketDir
	if dir == "" {
		dir = cfg.Supervisor.CommandServer.SocketDir
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := protocol.Dial(ctx, protocol.ClientConfig{
		Name:      name,
		SocketDir: dir,
		MaxWait:   c.client.Wait,
		Timeout:   c.client.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("is the supervisor running? %w", err)
	}
	defer func() { _ = client.Close() }()

	reply, err := client.Send(line)
	if err != nil {
		return "", err
	}
	if protocol.IsError(reply) {
		return "", errReply(protocol.ReplyError(reply))
	}
	return reply, nil
}

// print sends args as one command and prints the reply.
func (c *command) print(cmd *cobra.Command, args ...string) error {
	reply, err := c.request(cmd.Context(), protocol.Command(args...))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, reply)
	return err
}

func createPingCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the supervisor answers",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.print(cmd, "ping") },
	}
}

func createReadyCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Succeed once every runner of the document has been started",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.print(cmd, "ready") },
	}
}

func createSignalCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <runner>",
		Short: "Report that a runner finished starting",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.print(cmd, "signal", args[0]) },
	}
}

func createSendCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command line>",
		Short: "Send a raw protocol command",
		Long: `Send a raw protocol command and print the reply. The arguments are joined
with spaces as typed; quote the whole line to keep inner quotes.

Examples:
  ensemble send ping
  ensemble send 'runners get "orders svc"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := c.request(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, reply)
			return err
		},
	}
}

func createRunnersCommand(c *command) *cobra.Command {
	runners := &cobra.Command{
		Use:   "runners",
		Short: "List, inspect and control runners",
	}
	runners.AddCommand(&cobra.Command{
		Use:   "list [query]",
		Short: "List runner names; query is a glob or a substring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := c.request(cmd.Context(), protocol.Command(append([]string{"runners", "list"}, args...)...))
			if err != nil {
				return err
			}
			for _, name := range strings.Split(reply, ",") {
				if name != "" {
					if _, err := fmt.Fprintln(c.out, name); err != nil {
						return err
					}
				}
			}
			return nil
		},
	})

	get := selectorCommand(c, "get", "Print a runner definition as JSON", func(cmd *cobra.Command, args []string) error {
		reply, err := c.request(cmd.Context(), protocol.Command(args...))
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal([]byte(reply), &v); err != nil {
			return fmt.Errorf("unexpected reply %q: %w", reply, err)
		}
		return printJSON(c.out, v)
	})
	runners.AddCommand(get)
	for _, verb := range []string{"start", "stop", "restart"} {
		runners.AddCommand(selectorCommand(c, verb, strings.ToUpper(verb[:1])+verb[1:]+" a runner", func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, args...)
		}))
	}

	runners.AddCommand(&cobra.Command{
		Use:   "add <name> <path> [-- <arguments>...]",
		Short: "Add and start a runner",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 {
				dash = len(args)
			}
			if dash != 2 {
				return fmt.Errorf("add takes <name> <path>; pass runner arguments after --")
			}
			line := []string{"runners", "add", args[0], args[1]}
			if extra := args[2:]; len(extra) > 0 {
				line = append(append(line, "--"), extra...)
			}
			return c.print(cmd, line...)
		},
	})
	return runners
}

// selectorCommand builds "runners <verb> <name> | --pid <pid>".
func selectorCommand(c *command, verb, short string, run func(*cobra.Command, []string) error) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   verb + " [name]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := []string{"runners", verb}
			switch {
			case len(args) == 1:
				line = append(line, args[0])
			case pid <= 0:
				return fmt.Errorf("a runner name or --pid is required")
			}
			if pid > 0 {
				line = append(line, "--pid", strconv.Itoa(pid))
			}
			return run(cmd, line)
		},
	}
	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "select the runner by process id")
	return cmd
}

func createEndpointsCommand(c *command) *cobra.Command {
	endpoints := &cobra.Command{
		Use:   "endpoints",
		Short: "Claim and look up runner endpoints",
	}
	endpoints.AddCommand(&cobra.Command{
		Use:   "claim <machine> <runner>",
		Short: "Claim (or get back) the endpoint of a runner on a machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, "endpoints", "claim", args[0], args[1])
		},
	})
	var inverse bool
	query := &cobra.Command{
		Use:   "query <runner>",
		Short: "Print the endpoint of a runner, or with --inverse the runner of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := []string{"endpoints", "query", args[0]}
			if inverse {
				line = append(line, "--inverse")
			}
			return c.print(cmd, line...)
		},
	}
	query.Flags().BoolVar(&inverse, "inverse", false, "treat the argument as an address")
	endpoints.AddCommand(query)
	return endpoints
}

func createRolesCommand(c *command) *cobra.Command {
	roles := &cobra.Command{
		Use:   "roles",
		Short: "Claim and look up singleton roles",
	}
	roles.AddCommand(&cobra.Command{
		Use:   "claim <role> <runner>",
		Short: "Claim a role; prints the holder, which is the first claimant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, "roles", "claim", args[0], args[1])
		},
	})
	roles.AddCommand(&cobra.Command{
		Use:   "query <role>",
		Short: "Print the holder of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, "roles", "query", args[0])
		},
	})
	return roles
}
