package env

import (
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeLayering(t *testing.T) {
	e := New().WithVars(Var{"A": "global", "B": "global"}).WithSet("", "ignored")
	out := e.Merge([]string{"B=runner", "C=${A}-${B}", "=bad", "noequals"})

	if v, _ := lookup(out, "A"); v != "global" {
		t.Fatalf("A = %q", v)
	}
	if v, _ := lookup(out, "B"); v != "runner" {
		t.Fatalf("per-runner value must win, B = %q", v)
	}
	if v, _ := lookup(out, "C"); v != "global-runner" {
		t.Fatalf("C = %q", v)
	}
	if len(out) != 3 {
		t.Fatalf("unexpected entries: %v", out)
	}
	if out[0] != "A=global" || out[2] != "C=global-runner" {
		t.Fatalf("output not sorted: %v", out)
	}
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	base := New().WithSet("X", "1")
	_ = base.WithSet("X", "2")
	if v, _ := lookup(base.Merge(nil), "X"); v != "1" {
		t.Fatalf("receiver mutated: X=%q", v)
	}
}

func TestFromOS(t *testing.T) {
	t.Setenv("ENSEMBLE_ENV_TEST", "from-os")
	out := FromOS().WithSet("OTHER", "${ENSEMBLE_ENV_TEST}!").Merge(nil)
	if v, ok := lookup(out, "ENSEMBLE_ENV_TEST"); !ok || v != "from-os" {
		t.Fatalf("OS variable missing: %q", v)
	}
	if v, _ := lookup(out, "OTHER"); v != "from-os!" {
		t.Fatalf("OTHER = %q", v)
	}
}

func TestExpandLeavesBareDollar(t *testing.T) {
	got := expand(`C:\$Recycle ${MISSING}x ${unterminated`, Var{})
	if got != `C:\$Recycle x ${unterminated` {
		t.Fatalf("expand = %q", got)
	}
}
