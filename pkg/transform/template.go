package transform

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/antchfx/xmlquery"
	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// TemplateEngine compiles template stylesheets: Go templates over an XML
// input tree, with an optional YAML front matter block declaring output
// metadata and imports.
//
//	---
//	method: html
//	media-type: text/html; charset=utf-8
//	imports: [layout.tmpl]
//	---
//	{{template "page" .}}
//
// Method html executes with html/template; every other method with
// text/template.
type TemplateEngine struct{}

var _ Engine = TemplateEngine{}

// Name implements Engine.
func (TemplateEngine) Name() string { return "template" }

type frontMatter struct {
	Method    string   `yaml:"method"`
	MediaType string   `yaml:"media-type"`
	Imports   []string `yaml:"imports"`
}

type templateUnit struct {
	name string
	body string
}

// Compile implements Engine.
func (e TemplateEngine) Compile(_ context.Context, sourcePath string, source []byte, resolver Resolver) (Program, error) {
	fm, body, err := splitFrontMatter(source)
	if err != nil {
		return nil, compileErr(e.Name(), sourcePath, "front matter: %w", err)
	}

	method := strings.ToLower(strings.TrimSpace(fm.Method))
	prog := &templateProgram{
		path: sourcePath,
		output: Output{
			MediaType: strings.TrimSpace(fm.MediaType),
			Method:    method,
		},
	}

	l := &importLoader{
		engine:   e.Name(),
		resolver: resolver,
		active:   map[string]bool{sourcePath: true},
		done:     map[string]bool{},
	}
	if err := l.load(sourcePath, fm.Imports); err != nil {
		return nil, err
	}

	funcs := templateFuncs(method == "html", nil, sourcePath)

	if method == "html" {
		root := htmltemplate.New(sourcePath).Funcs(funcs)
		for _, u := range l.units {
			if _, err := root.New(u.name).Parse(u.body); err != nil {
				return nil, compileErr(e.Name(), sourcePath, "parse import %s: %w", u.name, err)
			}
		}
		if _, err := root.Parse(string(body)); err != nil {
			return nil, compileErr(e.Name(), sourcePath, "parse: %w", err)
		}
		prog.html = root
	} else {
		root := texttemplate.New(sourcePath).Funcs(funcs)
		for _, u := range l.units {
			if _, err := root.New(u.name).Parse(u.body); err != nil {
				return nil, compileErr(e.Name(), sourcePath, "parse import %s: %w", u.name, err)
			}
		}
		if _, err := root.Parse(string(body)); err != nil {
			return nil, compileErr(e.Name(), sourcePath, "parse: %w", err)
		}
		prog.text = root
	}

	return prog, nil
}

// importLoader walks imports depth first. Units are appended after their own
// imports so that an importing stylesheet's definitions override what it
// imports.
type importLoader struct {
	engine   string
	resolver Resolver
	active   map[string]bool
	done     map[string]bool
	units    []templateUnit
}

func (l *importLoader) load(base string, imports []string) error {
	for _, ref := range imports {
		if l.resolver == nil {
			return compileErr(l.engine, base, "import %q: no resolver", ref)
		}
		res, found, err := l.resolver.Resolve(ref, base)
		if err != nil {
			return compileErr(l.engine, base, "import %q: %w", ref, err)
		}
		if !found {
			return compileErr(l.engine, base, "import %q not found", ref)
		}
		if l.active[res.Path] {
			return compileErr(l.engine, base, "circular import of %s", res.Path)
		}
		if l.done[res.Path] {
			continue
		}

		fm, body, err := splitFrontMatter(res.Data)
		if err != nil {
			return compileErr(l.engine, res.Path, "front matter: %w", err)
		}

		l.active[res.Path] = true
		if err := l.load(res.Path, fm.Imports); err != nil {
			return err
		}
		delete(l.active, res.Path)

		l.done[res.Path] = true
		l.units = append(l.units, templateUnit{name: res.Path, body: string(body)})
	}
	return nil
}

func splitFrontMatter(src []byte) (frontMatter, []byte, error) {
	var fm frontMatter

	text := strings.TrimPrefix(string(src), "\ufeff")
	lines := strings.SplitAfter(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r\n") != frontMatterDelim {
		return fm, src, nil
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r\n") != frontMatterDelim {
			continue
		}
		header := strings.Join(lines[1:i], "")
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return fm, nil, err
		}
		return fm, []byte(strings.Join(lines[i+1:], "")), nil
	}

	return fm, nil, errors.New("unterminated front matter block")
}

type templateProgram struct {
	path   string
	output Output
	html   *htmltemplate.Template
	text   *texttemplate.Template
}

func (p *templateProgram) Instantiate() Execution {
	return &templateExecution{program: p}
}

func (p *templateProgram) Output() Output {
	return p.output
}

func (p *templateProgram) Source() string {
	return p.path
}

type templateExecution struct {
	program *templateProgram
}

func (e *templateExecution) Run(ctx context.Context, input []byte, resolver Resolver) ([]byte, error) {
	p := e.program
	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{Path: p.path, Err: err}
	}

	doc, err := xmlquery.Parse(bytes.NewReader(input))
	if err != nil {
		return nil, execErr(p.path, "parse input: %w", err)
	}
	if n := rootElements(doc); n != 1 {
		return nil, execErr(p.path, "parse input: document has %d root elements, want 1", n)
	}

	funcs := templateFuncs(p.html != nil, resolver, p.path)

	// Executions work on a private clone so per-run functions never leak
	// into the shared program.
	var buf bytes.Buffer
	if p.html != nil {
		t, err := p.html.Clone()
		if err != nil {
			return nil, execErr(p.path, "clone: %w", err)
		}
		if err := t.Funcs(funcs).Execute(&buf, doc); err != nil {
			return nil, execErr(p.path, "%w", err)
		}
		return buf.Bytes(), nil
	}

	t, err := p.text.Clone()
	if err != nil {
		return nil, execErr(p.path, "clone: %w", err)
	}
	if err := t.Funcs(funcs).Execute(&buf, doc); err != nil {
		return nil, execErr(p.path, "%w", err)
	}
	return buf.Bytes(), nil
}

func rootElements(doc *xmlquery.Node) int {
	n := 0
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			n++
		}
	}
	return n
}
