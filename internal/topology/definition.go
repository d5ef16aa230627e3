package topology

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActivationMode tells the registry whether to wait for a runner's startup
// signal before launching the next one.
type ActivationMode string

const (
	ActivationNonBlocking ActivationMode = ""
	ActivationBlocking    ActivationMode = "blocking"
)

// Activation holds the activation hints declared on a runner.
type Activation struct {
	Mode    ActivationMode    `json:"mode,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Blocking reports whether the runner must signal before its successors start.
func (a Activation) Blocking() bool { return a.Mode == ActivationBlocking }

// Timeout returns the "timeout" option, or def when missing or malformed.
func (a Activation) Timeout(def time.Duration) time.Duration {
	raw, ok := a.Options["timeout"]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Definition describes one runner as resolved from the topology document.
// Children share the parent's host program inside the runner; at the OS level
// every definition becomes its own process.
type Definition struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Arguments  string        `json:"arguments,omitempty"`
	Properties Properties    `json:"properties,omitempty"`
	Condition  string        `json:"condition,omitempty"`
	Activation Activation    `json:"activation,omitempty"`
	Children   []*Definition `json:"children,omitempty"`
}

// AnonymousName names a runner declared without one.
func AnonymousName() string { return "anonymous-" + uuid.NewString() }

// KeepAlive reads the "keep-alive" property; supervision is on by default.
func (d *Definition) KeepAlive() bool {
	return d.Properties.Bool("keep-alive", true)
}

// Clone returns a deep copy so callers can't mutate resolved state.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.Properties = d.Properties.Clone()
	if d.Activation.Options != nil {
		out.Activation.Options = make(map[string]string, len(d.Activation.Options))
		for k, v := range d.Activation.Options {
			out.Activation.Options[k] = v
		}
	}
	if d.Children != nil {
		out.Children = make([]*Definition, len(d.Children))
		for i, c := range d.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}

// Flatten lists the definitions depth-first, parents before their children.
func Flatten(defs []*Definition) []*Definition {
	var out []*Definition
	var walk func([]*Definition)
	walk = func(ds []*Definition) {
		for _, d := range ds {
			out = append(out, d)
			walk(d.Children)
		}
	}
	walk(defs)
	return out
}
