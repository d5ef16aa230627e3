package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/ensemble/internal/config"
	tpl "github.com/loykin/ensemble/pkg/template"
)

func generator(cfg *config.Config) *tpl.Generator {
	return tpl.NewGenerator(tpl.Options{
		Hosts:         cfg.Supervisor.Hosts,
		CommandServer: cfg.Supervisor.CommandServer.Name,
		Dir:           cfg.Supervisor.TemplateDir,
	})
}

func createTemplateCommand(c *command, flags *TemplateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <kind> <name> <path>",
		Short: "Print the runner declarations a compose statement expands to",
		Long: `Print the expansion of "compose <kind> <name> <path>" using the configured
host programs and template directory.

Examples:
  ensemble template service orders bin/Orders.dll
  ensemble template agent probe bin/Probe.dll --properties '{ interval: 5 }'
  ensemble template --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Template(flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Properties, "properties", "", "properties block passed to the template")
	cmd.Flags().BoolVar(&flags.List, "list", false, "list the available kinds")
	return cmd
}

// Template renders one compose expansion.
func (c *command) Template(flags *TemplateFlags, args []string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	g := generator(cfg)
	if flags.List {
		_, err := fmt.Fprintln(c.out, strings.Join(g.GetSupportedTypes(), "\n"))
		return err
	}
	if len(args) != 3 {
		return fmt.Errorf("template requires <kind> <name> <path>")
	}
	text, err := g.Generate(tpl.Compose{
		Kind:       tpl.TemplateType(args[0]),
		Name:       args[1],
		Path:       args[2],
		Properties: flags.Properties,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, strings.TrimRight(text, "\n"))
	return err
}
