package template

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

// TemplateType is the archetype named by a compose statement.
type TemplateType string

const (
	// TypeService hosts the component inside the shared RPC server program,
	// next to a health-check probe.
	TypeService TemplateType = "service"
	// TypeAgent hosts the component inside the shared in-process component host.
	TypeAgent TemplateType = "agent"
)

// Default host programs used by the built-in archetypes.
const (
	DefaultRPCHost       = "ensemble-rpchost"
	DefaultComponentHost = "ensemble-componenthost"
	DefaultHealthCheck   = "ensemble-healthcheck"
)

// ErrUnknownType is returned for a compose kind with no template.
var ErrUnknownType = errors.New("unknown compose kind")

// Hosts names the shared host programs the archetypes expand into.
type Hosts struct {
	RPC         string `mapstructure:"rpc"`
	Component   string `mapstructure:"component"`
	HealthCheck string `mapstructure:"healthcheck"`
}

// Compose carries the fields of one compose statement into a template.
type Compose struct {
	Kind       TemplateType
	Name       string
	Path       string
	Properties string // raw "{ ... }" block, "{}" when omitted
	Hosts      Hosts
	// CommandServer is the control endpoint name, for templates that pass
	// it on to the runner.
	CommandServer string
}

var builtins = map[TemplateType]string{
	TypeService: `runner "{{ .Name }}" "{{ .Hosts.RPC }}" {
	service runner "{{ .Name }}__firmlet" "{{ .Path }}" {
		properties {{ .Properties }}
	}
	service runner "{{ .Name }}__healthcheck" "{{ .Hosts.HealthCheck }}" {
		properties { target: "{{ .Name }}" }
	}
}`,
	TypeAgent: `runner "{{ .Name }}" "{{ .Hosts.Component }}" {
	service runner "{{ .Name }}__firmlet" "{{ .Path }}" {
		properties {{ .Properties }}
	}
}`,
}

// Options configures a Generator.
type Options struct {
	Hosts         Hosts
	CommandServer string
	// Dir, when set, is searched for compose_<kind>.template files that add
	// kinds or override the built-in ones.
	Dir string
}

// Generator expands compose statements into runner declarations.
type Generator struct {
	opts Options
}

// NewGenerator creates a Generator, filling unset hosts with the defaults.
func NewGenerator(opts Options) *Generator {
	if opts.Hosts.RPC == "" {
		opts.Hosts.RPC = DefaultRPCHost
	}
	if opts.Hosts.Component == "" {
		opts.Hosts.Component = DefaultComponentHost
	}
	if opts.Hosts.HealthCheck == "" {
		opts.Hosts.HealthCheck = DefaultHealthCheck
	}
	return &Generator{opts: opts}
}

// Generate renders the declaration text for c.
func (g *Generator) Generate(c Compose) (string, error) {
	kind := TemplateType(strings.ToLower(string(c.Kind)))
	src, err := g.source(kind)
	if err != nil {
		return "", err
	}
	tpl, err := template.New(string(kind)).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("compose template %q: %w", kind, err)
	}
	if strings.TrimSpace(c.Properties) == "" {
		c.Properties = "{}"
	}
	c.Kind = kind
	c.Hosts = g.opts.Hosts
	c.CommandServer = g.opts.CommandServer

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("compose template %q: %w", kind, err)
	}
	return buf.String(), nil
}

func (g *Generator) source(kind TemplateType) (string, error) {
	if g.opts.Dir != "" {
		p := filepath.Join(g.opts.Dir, "compose_"+string(kind)+".template")
		b, err := os.ReadFile(p)
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read compose template %s: %w", p, err)
		}
	}
	src, ok := builtins[kind]
	if !ok {
		return "", fmt.Errorf("%w %q (supported: %s)", ErrUnknownType, kind, strings.Join(g.GetSupportedTypes(), ", "))
	}
	return src, nil
}

// GetSupportedTypes lists built-in kinds plus any found in the template dir.
func (g *Generator) GetSupportedTypes() []string {
	seen := map[string]bool{}
	for k := range builtins {
		seen[string(k)] = true
	}
	if g.opts.Dir != "" {
		matches, _ := filepath.Glob(filepath.Join(g.opts.Dir, "compose_*.template"))
		for _, m := range matches {
			base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "compose_"), ".template")
			if base != "" {
				seen[base] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
