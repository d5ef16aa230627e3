package topology

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tpl "github.com/loykin/ensemble/pkg/template"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func names(defs []*Definition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range Flatten(defs) {
		out = append(out, d.Name)
	}
	return out
}

func TestRead_ImportsResolveAgainstImportingFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "root.ens"), `import "sub/b.ens"
runner root "root.bin"`)
	writeFile(t, filepath.Join(root, "a", "sub", "b.ens"), `import "c.ens"
runner b "b.bin"`)
	writeFile(t, filepath.Join(root, "a", "sub", "c.ens"), `runner c "c.bin"`)
	// a decoy next to the root document must not be picked up
	writeFile(t, filepath.Join(root, "a", "c.ens"), `runner wrong "wrong.bin"`)

	defs, err := Read(filepath.Join(root, "a", "root.ens"), ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "root"}, names(defs))
}

func TestRead_ReimportsAreNotDeduplicated(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.ens"), `import "x.ens"
import "y.ens"`)
	writeFile(t, filepath.Join(root, "x.ens"), `import "shared.ens"`)
	writeFile(t, filepath.Join(root, "y.ens"), `import "shared.ens"`)
	writeFile(t, filepath.Join(root, "shared.ens"), `runner shared "s.bin"`)

	// the shared file is read twice, so its runner shows up twice and the
	// duplicate is reported instead of silently merged
	_, err := Read(filepath.Join(root, "main.ens"), ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate runner name "shared"`)
}

func TestRead_ImportCycleIsBounded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "self.ens"), `import "self.ens"`)

	_, err := Read(filepath.Join(root, "self.ens"), ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum depth")
}

func TestRead_MissingImport(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.ens"), "\n\nimport \"nope.ens\"")

	_, err := Read(filepath.Join(root, "main.ens"), ReadOptions{})
	require.Error(t, err)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 3, terr.Line)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "nope.ens")
}

func TestRead_MissingRootDocument(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.ens"), ReadOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFilter_FalseConditionDropsSubtree(t *testing.T) {
	src := `
runner parent "p.bin" if "enabled" {
	runner child "c.bin" if "true" {
		runner grandchild "g.bin"
	}
}
runner keep "k.bin" {
	runner dropped "d.bin" if "false"
	runner kept "kk.bin"
}
runner broken "b.bin" if "1 +"`
	opts := ReadOptions{
		Evaluator: NewExprEvaluator(),
		Params:    Params{"enabled": false},
	}
	defs, err := Parse("cond.ens", src, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "kept"}, names(defs))

	opts.Params = Params{"enabled": true}
	defs, err = Parse("cond.ens", src, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "child", "grandchild", "keep", "kept"}, names(defs))

	opts.Unfiltered = true
	defs, err = Parse("cond.ens", src, opts)
	require.NoError(t, err)
	assert.Len(t, Flatten(defs), 7)
}

func TestFilter_PlatformExample(t *testing.T) {
	src := `service "alpha" "alpha.exe" if "platform == 'linux'"`
	eval := NewExprEvaluator()

	defs, err := Parse("alpha.ens", src, ReadOptions{Evaluator: eval, Params: Params{"platform": "windows"}})
	require.NoError(t, err)
	assert.Empty(t, defs)

	defs, err = Parse("alpha.ens", src, ReadOptions{Evaluator: eval, Params: Params{"platform": "linux"}})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "alpha", defs[0].Name)
}

func TestFilter_UsesInjectedEvaluator(t *testing.T) {
	var seen []string
	eval := EvaluatorFunc(func(expr string, _ Params) (bool, error) {
		seen = append(seen, expr)
		return expr == "yes", nil
	})
	defs, err := Parse("x.ens", `runner a "a" if "yes" runner b "b" if "no"`, ReadOptions{Evaluator: eval})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(defs))
	assert.Equal(t, []string{"yes", "no"}, seen)
}

func TestRead_ComposeExpansion(t *testing.T) {
	src := `compose service orders "orders.dll" { retries: 2 }
compose agent "probe" "probe.dll"`
	defs, err := Parse("c.ens", src, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"orders", "orders__firmlet", "orders__healthcheck",
		"probe", "probe__firmlet",
	}, names(defs))
	assert.Equal(t, tpl.DefaultRPCHost, defs[0].Path)
	assert.Equal(t, 2.0, defs[0].Children[0].Properties.Number("retries", 0))
	assert.Equal(t, "orders", defs[0].Children[1].Properties.String("target", ""))
}

func TestRead_ComposeUnknownKind(t *testing.T) {
	_, err := Parse("c.ens", "runner a \"a\"\ncompose gadget x \"x.dll\"", ReadOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tpl.ErrUnknownType))
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 2, terr.Line)
}

func TestRead_NoPreprocessorMarker(t *testing.T) {
	_, err := Parse("c.ens", "// @no-preprocessor\ncompose service a \"a.dll\"", ReadOptions{})
	require.Error(t, err, "compose must not be expanded")
}

func TestRead_RenderPass(t *testing.T) {
	src := `{{ if eq .platform "linux" }}runner tux "{{ .bin | lower }}"{{ else }}runner other "x"{{ end }}`
	defs, err := Parse("r.ens", src, ReadOptions{Render: true, Params: Params{"platform": "linux", "bin": "TUX.BIN"}})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "tux", defs[0].Name)
	assert.Equal(t, "tux.bin", defs[0].Path)

	_, err = Parse("r.ens", `runner a "{{ .missing }}"`, ReadOptions{Render: true, Params: Params{}})
	require.Error(t, err)
}

func TestDefaultParams(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	p := DefaultParams(ParamsOptions{Values: map[string]string{"site": "north", "platform": "spoofed"}, Environment: "Release"})
	assert.Equal(t, "north", p["site"])
	assert.NotEqual(t, "spoofed", p["platform"], "built-ins win over explicit values")
	assert.Equal(t, EnvironmentRelease, p["environment"])
	assert.Equal(t, os.Getpid(), p["session_id"])

	t.Setenv(EnvironmentVariable, "development")
	assert.Equal(t, EnvironmentDevelopment, DefaultParams(ParamsOptions{})["environment"])
}

func TestPlatform(t *testing.T) {
	for goos, want := range map[string]string{
		"linux": "linux", "windows": "windows", "darwin": "osx", "freebsd": "bsd", "plan9": "other",
	} {
		assert.Equal(t, want, Platform(goos), goos)
	}
}

func TestExprEvaluator(t *testing.T) {
	e := NewExprEvaluator()
	ok, err := e.Evaluate("platform == 'linux' && environment != 'release'", Params{"platform": "linux", "environment": "development"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Evaluate("'not a bool'", Params{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not bool"))
}
