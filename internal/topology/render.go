package topology

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// render runs the whole-document template pass. Referencing a parameter
// that does not exist is an error.
func render(file, src string, params Params) (string, error) {
	t, err := template.New(file).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(src)
	if err != nil {
		return "", &Error{File: file, Err: err}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any(params)); err != nil {
		return "", &Error{File: file, Err: err}
	}
	return buf.String(), nil
}
