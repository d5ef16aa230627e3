package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzMerge feeds newline-separated K=V lists through both layers of Merge.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("PATH=/bin", "PATH=${PATH}:/opt/bin")
	f.Add("X=${Y}", "Y=${X}")
	f.Add("W=C:\\$Recycle", "=oops\n${")

	f.Fuzz(func(t *testing.T, supervisor, runner string) {
		vars := Var{}
		for _, kv := range lines(supervisor) {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				vars[kv[:i]] = kv[i+1:]
			}
		}
		out := New().WithVars(vars).Merge(lines(runner))

		keys := make([]string, 0, len(out))
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("malformed entry %q", kv)
			}
			keys = append(keys, kv[:i])
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("entries not sorted: %v", out)
		}
		if !strings.Contains(supervisor+runner, "$") {
			for _, kv := range out {
				if strings.Contains(kv, "$") {
					t.Fatalf("expansion invented a reference: %q", kv)
				}
			}
		}
	})
}

func lines(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
