package topology

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tpl "github.com/loykin/ensemble/pkg/template"
)

// maxImportDepth bounds import chains; re-imports are not deduplicated so a
// cycle would otherwise never terminate.
const maxImportDepth = 32

// ReadOptions controls how a topology document is resolved.
type ReadOptions struct {
	Params Params
	// Evaluator decides conditions. Nil accepts every node.
	Evaluator Evaluator
	// Unfiltered keeps nodes regardless of their condition.
	Unfiltered bool
	// Render runs the text/template pass before parsing.
	Render bool
	// Templates expands compose statements; nil uses the built-in archetypes.
	Templates *tpl.Generator
	Logger    *slog.Logger
}

// Read resolves the document at path into its runner tree: templates are
// rendered, compose statements expanded, imports followed relative to the
// importing file, and nodes whose condition is false dropped together with
// their subtree. Runners of imported documents come before the importer's own.
func Read(path string, opts ReadOptions) ([]*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("topology path is empty")
	}
	if opts.Templates == nil {
		opts.Templates = tpl.NewGenerator(tpl.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	defs, err := readFile(path, nil, 0, opts)
	if err != nil {
		return nil, err
	}
	if !opts.Unfiltered {
		defs = filter(defs, opts)
	}
	if err := checkUnique(path, defs); err != nil {
		return nil, err
	}
	return defs, nil
}

type importSite struct {
	file string
	ref  importRef
}

func readFile(path string, from *importSite, depth int, opts ReadOptions) ([]*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if from != nil {
			return nil, &Error{File: from.file, Line: from.ref.Line, Col: from.ref.Col,
				Msg: fmt.Sprintf("import %q: %v", from.ref.Path, err), Err: err}
		}
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	doc, err := parseText(path, string(raw), opts)
	if err != nil {
		return nil, err
	}

	var out []*Definition
	queue := append([]importRef(nil), doc.Imports...)
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if depth+1 > maxImportDepth {
			return nil, &Error{File: path, Line: ref.Line, Col: ref.Col,
				Msg: fmt.Sprintf("import %q exceeds the maximum depth of %d", ref.Path, maxImportDepth)}
		}
		target := ref.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		opts.Logger.Debug("importing topology", "from", path, "path", target)
		imported, err := readFile(target, &importSite{file: path, ref: ref}, depth+1, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, imported...)
	}
	return append(out, doc.Runners...), nil
}

// parseText runs the text passes over one document and parses the result.
func parseText(file, src string, opts ReadOptions) (*document, error) {
	var err error
	if opts.Render {
		if src, err = render(file, src, opts.Params); err != nil {
			return nil, err
		}
	}
	if src, err = expandCompose(file, src, opts.Templates); err != nil {
		return nil, err
	}
	return parse(file, src)
}

// Parse resolves document text without touching the file system; imports
// are rejected.
func Parse(name, src string, opts ReadOptions) ([]*Definition, error) {
	if opts.Templates == nil {
		opts.Templates = tpl.NewGenerator(tpl.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	doc, err := parseText(name, src, opts)
	if err != nil {
		return nil, err
	}
	if len(doc.Imports) > 0 {
		ref := doc.Imports[0]
		return nil, &Error{File: name, Line: ref.Line, Col: ref.Col, Msg: "imports need a file path to resolve against"}
	}
	defs := doc.Runners
	if !opts.Unfiltered {
		defs = filter(defs, opts)
	}
	if err := checkUnique(name, defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// filter drops every node whose condition is false or fails to evaluate.
// Children of a dropped node are never evaluated.
func filter(defs []*Definition, opts ReadOptions) []*Definition {
	if opts.Evaluator == nil {
		return defs
	}
	out := defs[:0:0]
	for _, d := range defs {
		if d.Condition != "" {
			ok, err := opts.Evaluator.Evaluate(d.Condition, opts.Params)
			if err != nil {
				opts.Logger.Warn("runner condition failed, runner excluded",
					"runner", d.Name, "condition", d.Condition, "error", err)
				continue
			}
			if !ok {
				opts.Logger.Debug("runner excluded by condition", "runner", d.Name, "condition", d.Condition)
				continue
			}
		}
		d.Children = filter(d.Children, opts)
		out = append(out, d)
	}
	return out
}

func checkUnique(file string, defs []*Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.Name] {
			return &Error{File: file, Msg: fmt.Sprintf("duplicate runner name %q", d.Name)}
		}
		seen[d.Name] = true
		if err := checkUnique(file, d.Children); err != nil {
			return err
		}
	}
	return nil
}
