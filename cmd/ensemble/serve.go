package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/ensemble/internal/supervisor"
	"github.com/loykin/ensemble/internal/topology"
)

func createServeCommand(c *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [document]",
		Short: "Start the supervisor",
		Long: `Start the supervisor for a topology document (default: supervisor.document,
./ensemble.ens). Runs until SIGINT/SIGTERM; exits 1 when the document is
invalid or a runner keeps crashing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), flags, firstArg(args))
		},
	}
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug|info|warn|error)")
	return cmd
}

// Serve runs the supervisor in the foreground.
func (c *command) Serve(ctx context.Context, flags *ServeFlags, document string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	log, closer := cfg.Log.Logger().NewSlogger(os.Stderr)
	defer func() { _ = closer.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg, log, supervisor.Options{})
	if err != nil {
		return err
	}
	path := cfg.DocumentPath(document)
	log.Info("starting supervisor", "document", path, "command_server", sup.CommandAddress())
	return sup.Run(ctx, path)
}

func createCheckCommand(c *command, flags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [document]",
		Short: "Resolve a topology document and print the runner tree as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(flags, firstArg(args))
		},
	}
	cmd.Flags().BoolVar(&flags.Unfiltered, "unfiltered", false, "keep runners whose condition is false")
	return cmd
}

// Check resolves the document with the parameters of this host.
func (c *command) Check(flags *CheckFlags, document string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	log, closer := cfg.Log.Logger().NewSlogger(os.Stderr)
	defer func() { _ = closer.Close() }()

	defs, err := topology.Read(cfg.DocumentPath(document), topology.ReadOptions{
		Params:     supervisor.Params(cfg),
		Evaluator:  topology.NewExprEvaluator(),
		Unfiltered: flags.Unfiltered,
		Render:     cfg.Ensemble.Render,
		Templates:  generator(cfg),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []*topology.Definition{}
	}
	return printJSON(c.out, defs)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
