// Package env composes the environment handed to runner processes.
package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env is an immutable environment layer: an optional OS base plus the
// supervisor-wide variables. With* methods return modified copies so one
// Env can be shared by concurrently starting runners.
type Env struct {
	base Var
	vars Var
}

// New returns an Env without an OS base.
func New() Env { return Env{vars: Var{}} }

// FromOS returns an Env based on the current process environment.
func FromOS() Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func (e Env) clone() Env {
	out := Env{base: e.base, vars: make(Var, len(e.vars)+1)}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	return out
}

// WithSet returns a copy with k=v added. Empty keys are ignored.
func (e Env) WithSet(k, v string) Env {
	out := e.clone()
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithVars returns a copy with every entry of vars added.
func (e Env) WithVars(vars Var) Env {
	out := e.clone()
	for k, v := range vars {
		if k != "" {
			out.vars[k] = v
		}
	}
	return out
}

// Merge layers OS base, supervisor variables and perRunner ("K=V") entries,
// later layers winning, then expands ${VAR} references against the merged
// set. The result is sorted by key.
func (e Env) Merge(perRunner []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perRunner))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perRunner) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand substitutes ${NAME} only; a bare $ is left alone since Windows
// paths and shell snippets use it literally. Unknown names expand to "".
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		sb.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}
