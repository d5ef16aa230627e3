package topology

import (
	"strconv"
	"strings"
)

// importRef is an import statement as written in a document.
type importRef struct {
	Path string
	Line int
	Col  int
}

// document is the parsed, unresolved form of one topology file.
type document struct {
	File    string
	Imports []importRef
	Runners []*Definition
}

type parser struct {
	lx   *lexer
	toks []token
	pos  int
}

// parse turns (already expanded) document text into its imports and runner
// blocks. Conditions are kept as written; filtering happens after imports.
func parse(file, src string) (*document, error) {
	lx := newLexer(file, src)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}
	p := &parser{lx: lx, toks: toks}
	return p.document()
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) take() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorAt(t token, format string, args ...any) error {
	return p.lx.errorf(t.line, t.col, format, args...)
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.take()
	if t.kind != kind {
		return t, p.errorAt(t, "expected %s, found %s", kind, t)
	}
	return t, nil
}

func (p *parser) isKeyword(t token, kw string) bool {
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) document() (*document, error) {
	doc := &document{File: p.lx.file}
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return doc, nil
		case p.isKeyword(t, "import"):
			p.take()
			s, err := p.expect(tokString)
			if err != nil {
				return nil, err
			}
			doc.Imports = append(doc.Imports, importRef{Path: s.text, Line: t.line, Col: t.col})
		case p.isKeyword(t, "runner") || p.isKeyword(t, "service"):
			def, err := p.runner()
			if err != nil {
				return nil, err
			}
			doc.Runners = append(doc.Runners, def)
		default:
			return nil, p.errorAt(t, "expected 'import' or 'runner', found %s", t)
		}
	}
}

// runner parses one declaration:
//
//	(runner | service [runner]) [name] "path" clause* [{ (clause | runner)* }]
func (p *parser) runner() (*Definition, error) {
	kw := p.take()
	if kw.text == "service" && p.isKeyword(p.peek(), "runner") {
		p.take()
	}

	def := &Definition{}
	switch first := p.peek(); {
	case first.kind == tokIdent && !isClauseKeyword(first.text):
		p.take()
		def.Name = first.text
	case first.kind == tokString && p.peekAt(1).kind == tokString:
		p.take()
		def.Name = first.text
	}
	path, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	def.Path = path.text
	if strings.TrimSpace(def.Path) == "" {
		return nil, p.errorAt(path, "runner path cannot be empty")
	}
	if def.Name == "" {
		def.Name = AnonymousName()
	}

	if err := p.clauses(def, false); err != nil {
		return nil, err
	}
	if p.peek().kind != tokLBrace {
		return def, nil
	}
	p.take()
	if err := p.clauses(def, true); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRBrace); err != nil {
		return nil, err
	}
	return def, nil
}

func isClauseKeyword(s string) bool {
	switch s {
	case "if", "arguments", "properties", "activation":
		return true
	}
	return false
}

// clauses consumes header or body clauses. Nested runners are only legal
// inside a body.
func (p *parser) clauses(def *Definition, body bool) error {
	for {
		t := p.peek()
		if t.kind != tokIdent {
			return nil
		}
		switch t.text {
		case "if":
			p.take()
			s, err := p.expect(tokString)
			if err != nil {
				return err
			}
			if def.Condition != "" {
				return p.errorAt(t, "runner %q declares more than one condition", def.Name)
			}
			def.Condition = s.text
		case "arguments":
			p.take()
			if p.peek().kind == tokColon {
				p.take()
			}
			s, err := p.expect(tokString)
			if err != nil {
				return err
			}
			def.Arguments = s.text
		case "properties":
			p.take()
			props, err := p.properties()
			if err != nil {
				return err
			}
			if def.Properties == nil {
				def.Properties = props
				continue
			}
			for k, v := range props {
				def.Properties[k] = v
			}
		case "activation":
			p.take()
			act, err := p.activation()
			if err != nil {
				return err
			}
			def.Activation = act
		case "runner", "service":
			if !body {
				return nil
			}
			child, err := p.runner()
			if err != nil {
				return err
			}
			def.Children = append(def.Children, child)
		default:
			if body {
				return p.errorAt(t, "unexpected %s in runner %q", t, def.Name)
			}
			return nil
		}
	}
}

func (p *parser) properties() (Properties, error) {
	if _, err := p.expect(tokLBrace); err != nil {
		return nil, err
	}
	props := Properties{}
	for {
		t := p.take()
		switch t.kind {
		case tokRBrace:
			return props, nil
		case tokComma:
			continue
		case tokIdent, tokString:
		default:
			return nil, p.errorAt(t, "expected property name, found %s", t)
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		props[t.text] = v
	}
}

func (p *parser) literal() (Value, error) {
	t := p.peek()
	switch {
	case t.kind == tokString:
		p.take()
		return StringValue(t.text), nil
	case t.kind == tokNumber:
		p.take()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Value{}, p.errorAt(t, "invalid number %q", t.text)
		}
		return NumberValue(n), nil
	case p.isKeyword(t, "true"):
		p.take()
		return BoolValue(true), nil
	case p.isKeyword(t, "false"):
		p.take()
		return BoolValue(false), nil
	case t.kind == tokLBrace:
		m, err := p.properties()
		if err != nil {
			return Value{}, err
		}
		return MapValue(m), nil
	}
	return Value{}, p.errorAt(t, "expected a string, number, boolean or map, found %s", t)
}

// activation parses `: mode[, key=value]*`.
func (p *parser) activation() (Activation, error) {
	if _, err := p.expect(tokColon); err != nil {
		return Activation{}, err
	}
	mode, err := p.expect(tokIdent)
	if err != nil {
		return Activation{}, err
	}
	act := Activation{}
	switch strings.ToLower(mode.text) {
	case "blocking":
		act.Mode = ActivationBlocking
	case "non-blocking", "nonblocking", "default":
		act.Mode = ActivationNonBlocking
	default:
		return Activation{}, p.errorAt(mode, "unknown activation mode %q", mode.text)
	}
	for p.peek().kind == tokComma {
		p.take()
		key, err := p.expect(tokIdent)
		if err != nil {
			return Activation{}, err
		}
		if _, err := p.expect(tokEquals); err != nil {
			return Activation{}, err
		}
		val, err := p.optionValue()
		if err != nil {
			return Activation{}, err
		}
		if act.Options == nil {
			act.Options = map[string]string{}
		}
		act.Options[key.text] = val
	}
	return act, nil
}

// optionValue accepts a string, an identifier, or a number glued to a unit
// suffix such as 10s.
func (p *parser) optionValue() (string, error) {
	t := p.take()
	switch t.kind {
	case tokString, tokIdent:
		return t.text, nil
	case tokNumber:
		next := p.peek()
		if next.kind == tokIdent && next.line == t.line && next.col == t.col+len(t.text) {
			p.take()
			return t.text + next.text, nil
		}
		return t.text, nil
	}
	return "", p.errorAt(t, "expected an option value, found %s", t)
}
