package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/pflag"

	"github.com/loykin/ensemble/internal/coord"
	"github.com/loykin/ensemble/internal/metrics"
	"github.com/loykin/ensemble/internal/readiness"
	"github.com/loykin/ensemble/internal/registry"
	"github.com/loykin/ensemble/internal/topology"
)

// Registry is the part of the runner registry the protocol drives.
type Registry interface {
	Names(pattern string) []string
	Definition(name string, pid int) (*topology.Definition, error)
	StartRunner(name string, pid int) error
	StopRunner(name string, pid int) error
	RestartRunner(name string, pid int) error
	AddNew(def *topology.Definition, start bool) error
	SetHost(name, host string) error
}

var _ Registry = (*registry.Registry)(nil)

// Context is the supervisor state shared by every connection.
type Context struct {
	Registry  Registry
	Roles     *coord.Roles
	Endpoints *coord.Endpoints
	Gate      *readiness.Gate
	Signals   *readiness.Signals
	Log       *slog.Logger
}

// Action tells the connection loop what to do with a handled line.
type Action int

const (
	Reply Action = iota
	Skip
	Close
)

// errUsage marks malformed commands; the message is replied as is.
type errUsage string

func (e errUsage) Error() string { return string(e) }

// Interpreter executes protocol commands against a Context. It holds no
// per-connection state and may be shared.
type Interpreter struct {
	ctx *Context
	log *slog.Logger
}

func NewInterpreter(ctx *Context) *Interpreter {
	log := ctx.Log
	if log == nil {
		log = slog.Default()
	}
	return &Interpreter{ctx: ctx, log: log}
}

// Handle runs one request line and returns the reply to send.
func (in *Interpreter) Handle(line string) (string, Action) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", Skip
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		return in.fail("", line, errUsage(fmt.Sprintf("cannot parse command: %v", err))), Reply
	}
	if len(args) == 0 {
		return "", Skip
	}
	if args[0] == "exit" {
		return "", Close
	}
	cmd := commandName(args)
	reply, err := in.dispatch(args)
	if err != nil {
		return in.fail(cmd, line, err), Reply
	}
	metrics.IncCommand(cmd, true)
	return reply, Reply
}

func (in *Interpreter) fail(cmd, line string, err error) string {
	if cmd != "" {
		metrics.IncCommand(cmd, false)
	}
	var usage errUsage
	if !errors.As(err, &usage) && !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrDuplicateName) {
		in.log.Warn("command failed", "command", line, "error", err)
	}
	return ErrorPrefix + strings.ReplaceAll(err.Error(), "\n", " ")
}

// commandName is the metric label: the verb plus its subcommand if any.
func commandName(args []string) string {
	switch args[0] {
	case "runners", "endpoints", "roles":
		if len(args) > 1 {
			return args[0] + " " + args[1]
		}
	}
	return args[0]
}

func (in *Interpreter) dispatch(args []string) (string, error) {
	switch args[0] {
	case "ping":
		return OK, nil
	case "ready":
		if in.ctx.Gate != nil && in.ctx.Gate.Ready() {
			return OK, nil
		}
		return "", errUsage("Supervisor is not ready yet.")
	case "signal":
		if len(args) != 2 || args[1] == "" {
			return "", errUsage("usage: signal <runner>")
		}
		in.ctx.Signals.Signal(args[1])
		in.log.Info("runner signaled startup", "runner", args[1])
		return OK, nil
	case "runners":
		return in.runners(args[1:])
	case "endpoints":
		return in.endpoints(args[1:])
	case "roles":
		return in.roles(args[1:])
	}
	return "", errUsage(fmt.Sprintf("unrecognized command or argument '%s'", args[0]))
}

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage(err.Error())
	}
	return nil
}

func (in *Interpreter) runners(args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage("usage: runners list|get|start|stop|restart|add")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		if len(rest) > 1 {
			return "", errUsage("usage: runners list [query]")
		}
		query := ""
		if len(rest) == 1 {
			query = rest[0]
		}
		return strings.Join(in.ctx.Registry.Names(query), ","), nil
	case "get", "start", "stop", "restart":
		name, pid, err := selector(sub, rest)
		if err != nil {
			return "", err
		}
		if sub == "get" {
			def, err := in.ctx.Registry.Definition(name, pid)
			if err != nil {
				return "", notFound(err, name, pid)
			}
			b, err := json.Marshal(def)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
		op := map[string]func(string, int) error{
			"start":   in.ctx.Registry.StartRunner,
			"stop":    in.ctx.Registry.StopRunner,
			"restart": in.ctx.Registry.RestartRunner,
		}[sub]
		if err := op(name, pid); err != nil {
			return "", notFound(err, name, pid)
		}
		return OK, nil
	case "add":
		return in.add(rest)
	}
	return "", errUsage(fmt.Sprintf("unrecognized command or argument '%s'", sub))
}

// selector reads `<name>` or `--pid <pid>`.
func selector(sub string, args []string) (string, int, error) {
	fs := newFlags(sub)
	rawPID := fs.StringP("pid", "p", "", "runner pid")
	if err := parseFlags(fs, args); err != nil {
		return "", 0, err
	}
	if fs.NArg() > 1 {
		return "", 0, errUsage(fmt.Sprintf("usage: runners %s <name> | --pid <pid>", sub))
	}
	name := fs.Arg(0)
	if name == "" && *rawPID == "" {
		return "", 0, errUsage("You must specify either a name or a PID.")
	}
	pid := 0
	if *rawPID != "" {
		n, err := strconv.Atoi(*rawPID)
		if err != nil || n <= 0 {
			return "", 0, errUsage(fmt.Sprintf("Invalid PID '%s'.", *rawPID))
		}
		pid = n
	}
	return name, pid, nil
}

func notFound(err error, name string, pid int) error {
	if !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	p := ""
	if pid > 0 {
		p = strconv.Itoa(pid)
	}
	return errUsage(fmt.Sprintf("Cannot find a runner with name '%s' or PID '%s'.", name, p))
}

func (in *Interpreter) add(args []string) (string, error) {
	fs := newFlags("add")
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	pos := fs.Args()
	var extra []string
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		pos, extra = fs.Args()[:dash], fs.Args()[dash:]
	}
	if len(pos) != 2 || strings.TrimSpace(pos[1]) == "" {
		return "", errUsage("usage: runners add <name> <path> [-- <arguments>]")
	}
	def := &topology.Definition{Name: pos[0], Path: pos[1], Arguments: quoteArgs(extra)}
	if def.Name == "" {
		def.Name = topology.AnonymousName()
	}
	in.log.Info("adding new runner", "runner", def.Name, "path", def.Path)
	if err := in.ctx.Registry.AddNew(def, true); err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			return "", errUsage(fmt.Sprintf("A runner named '%s' already exists.", def.Name))
		}
		return "", err
	}
	return OK, nil
}

// quoteArgs joins args back into one argument string, quoting the ones the
// launcher would split.
func quoteArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

func (in *Interpreter) endpoints(args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage("usage: endpoints claim|query")
	}
	switch args[0] {
	case "claim":
		if len(args) != 3 || args[1] == "" || args[2] == "" {
			return "", errUsage("usage: endpoints claim <machine> <runner>")
		}
		machine, runner := strings.TrimSpace(args[1]), strings.TrimSpace(args[2])
		addr, err := in.ctx.Endpoints.Claim(machine, runner)
		if err != nil {
			return "", err
		}
		metrics.IncEndpointClaim()
		if err := in.ctx.Registry.SetHost(runner, addr); err != nil {
			in.log.Debug("endpoint claimed for unregistered runner", "runner", runner, "address", addr)
		}
		return addr, nil
	case "query":
		fs := newFlags("query")
		inverse := fs.Bool("inverse", false, "look up the runner owning an address")
		if err := parseFlags(fs, args[1:]); err != nil {
			return "", err
		}
		if fs.NArg() != 1 {
			return "", errUsage("usage: endpoints query <runner> | <address> --inverse")
		}
		if *inverse {
			return in.ctx.Endpoints.InverseQuery(fs.Arg(0)), nil
		}
		return in.ctx.Endpoints.Query(fs.Arg(0)), nil
	}
	return "", errUsage(fmt.Sprintf("unrecognized command or argument '%s'", args[0]))
}

func (in *Interpreter) roles(args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage("usage: roles claim|query")
	}
	switch args[0] {
	case "claim":
		if len(args) != 3 || args[1] == "" || args[2] == "" {
			return "", errUsage("usage: roles claim <role> <runner>")
		}
		role := args[1]
		holder, won := in.ctx.Roles.Claim(role, in.addressOf(args[2]))
		metrics.IncRoleClaim(role, won)
		if won {
			in.log.Info("role claimed", "role", role, "holder", holder)
		}
		return holder, nil
	case "query":
		if len(args) != 2 {
			return "", errUsage("usage: roles query <role>")
		}
		return in.ctx.Roles.Query(args[1]), nil
	}
	return "", errUsage(fmt.Sprintf("unrecognized command or argument '%s'", args[0]))
}

// addressOf resolves a claimant to its endpoint. A claimant without a
// claimed endpoint is taken to be an address already.
func (in *Interpreter) addressOf(claimant string) string {
	if addr := in.ctx.Endpoints.Query(claimant); addr != "" {
		return addr
	}
	return claimant
}
