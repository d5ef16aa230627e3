package topology

import (
	"regexp"
	"strings"

	tpl "github.com/loykin/ensemble/pkg/template"
)

// NoPreprocessorMarker at the very start of a document disables compose expansion.
const NoPreprocessorMarker = "// @no-preprocessor"

// compose <kind> <name|"name"> "<path>" [{ properties }] with one level of
// nested braces allowed inside the properties block.
var composeRe = regexp.MustCompile(`(?m)^[ \t]*compose[ \t]+(\w+)[ \t]+(?:"([^"]+)"|(\w+))[ \t]+"([^"]+)"[ \t]*(\{(?:[^{}]|\{[^{}]*\})*\})?`)

// expandCompose rewrites every compose statement in src into its full runner
// declaration. Line numbers after an expansion shift; errors report the
// line of the compose statement itself.
func expandCompose(file, src string, gen *tpl.Generator) (string, error) {
	if strings.HasPrefix(src, NoPreprocessorMarker) {
		return src, nil
	}
	matches := composeRe.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src, nil
	}
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return src[m[2*i]:m[2*i+1]]
		}
		name := group(2)
		if name == "" {
			name = group(3)
		}
		out, err := gen.Generate(tpl.Compose{
			Kind:       tpl.TemplateType(group(1)),
			Name:       name,
			Path:       group(4),
			Properties: group(5),
		})
		if err != nil {
			return "", &Error{File: file, Line: 1 + strings.Count(src[:m[0]], "\n"), Col: 1, Err: err}
		}
		sb.WriteString(src[last:m[0]])
		sb.WriteString(out)
		last = m[1]
	}
	sb.WriteString(src[last:])
	return sb.String(), nil
}
