package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/types"
)

const (
	regoOutputRule    = "output"
	regoJSONMediaType = "application/json"
)

// RegoEngine compiles Rego modules. The program's result is the value of the
// rule "output" in the module's package, evaluated with the captured body
// (decoded as JSON) as input. String results are emitted verbatim; anything
// else is encoded as JSON.
//
// Output metadata comes from the package METADATA annotation:
//
//	# METADATA
//	# custom:
//	#   method: html
//	#   media-type: text/html
//	package render
//
// Without either key the program declares application/json.
type RegoEngine struct{}

var _ Engine = RegoEngine{}

// Name implements Engine.
func (RegoEngine) Name() string { return "rego" }

var documentDecl = &rego.Function{
	Name: "document",
	Decl: types.NewFunction(types.Args(types.S), types.A),
}

type resolverContextKey struct{}

// Compile implements Engine.
func (e RegoEngine) Compile(ctx context.Context, sourcePath string, source []byte, resolver Resolver) (Program, error) {
	main, err := parseRegoModule(sourcePath, source)
	if err != nil {
		return nil, compileErr(e.Name(), sourcePath, "parse: %w", err)
	}

	modules := map[string]*ast.Module{sourcePath: main}
	if err := loadRegoImports(e.Name(), resolver, sourcePath, main, modules); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	query := main.Package.Path.String() + "." + regoOutputRule
	opts := make([]func(*rego.Rego), 0, len(modules)+3)
	opts = append(opts,
		rego.Query(query),
		rego.StrictBuiltinErrors(true),
		rego.Function1(documentDecl, documentBuiltin(sourcePath)),
	)
	for _, name := range names {
		opts = append(opts, rego.ParsedModule(modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, compileErr(e.Name(), sourcePath, "prepare %s: %w", query, err)
	}

	return &regoProgram{
		path:     sourcePath,
		output:   regoOutput(main),
		prepared: prepared,
	}, nil
}

func parseRegoModule(path string, source []byte) (*ast.Module, error) {
	return ast.ParseModuleWithOpts(path, string(source), ast.ParserOptions{
		RegoVersion:       ast.RegoV1,
		ProcessAnnotation: true,
	})
}

// loadRegoImports resolves "import data.a.b" to a/b.rego, then a.rego,
// relative to the main module. Imports already satisfied by a loaded
// package are skipped.
func loadRegoImports(engine string, resolver Resolver, root string, mod *ast.Module, modules map[string]*ast.Module) error {
	for _, imp := range mod.Imports {
		segs, ok := dataImportSegments(imp)
		if !ok || packageLoaded(modules, segs) {
			continue
		}
		if resolver == nil {
			return compileErr(engine, root, "import %s: no resolver", imp.Path)
		}

		var loaded bool
		for n := len(segs); n > 0 && !loaded; n-- {
			ref := strings.Join(segs[:n], "/") + ".rego"
			res, found, err := resolver.Resolve(ref, root)
			if err != nil {
				return compileErr(engine, root, "import %s: %w", imp.Path, err)
			}
			if !found {
				continue
			}
			if _, seen := modules[res.Path]; seen {
				loaded = true
				continue
			}

			dep, err := parseRegoModule(res.Path, res.Data)
			if err != nil {
				return compileErr(engine, res.Path, "parse: %w", err)
			}
			modules[res.Path] = dep
			if err := loadRegoImports(engine, resolver, root, dep, modules); err != nil {
				return err
			}
			loaded = true
		}

		if !loaded {
			return compileErr(engine, root, "unresolved import %s", imp.Path)
		}
	}
	return nil
}

func dataImportSegments(imp *ast.Import) ([]string, bool) {
	ref, ok := imp.Path.Value.(ast.Ref)
	if !ok || len(ref) < 2 || !ref[0].Equal(ast.DefaultRootDocument) {
		return nil, false
	}
	segs := make([]string, 0, len(ref)-1)
	for _, term := range ref[1:] {
		s, ok := term.Value.(ast.String)
		if !ok {
			break
		}
		segs = append(segs, string(s))
	}
	return segs, len(segs) > 0
}

func packageLoaded(modules map[string]*ast.Module, segs []string) bool {
	for _, m := range modules {
		pkg := packageSegments(m)
		if len(pkg) == 0 || len(pkg) > len(segs) {
			continue
		}
		match := true
		for i := range pkg {
			if pkg[i] != segs[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func packageSegments(m *ast.Module) []string {
	if m.Package == nil || len(m.Package.Path) < 2 {
		return nil
	}
	segs := make([]string, 0, len(m.Package.Path)-1)
	for _, term := range m.Package.Path[1:] {
		s, ok := term.Value.(ast.String)
		if !ok {
			return nil
		}
		segs = append(segs, string(s))
	}
	return segs
}

func regoOutput(m *ast.Module) Output {
	var out Output
	for _, a := range m.Annotations {
		if a == nil || a.Custom == nil {
			continue
		}
		if v, ok := a.Custom["method"].(string); ok && out.Method == "" {
			out.Method = strings.ToLower(strings.TrimSpace(v))
		}
		if v, ok := a.Custom["media-type"].(string); ok && out.MediaType == "" {
			out.MediaType = strings.TrimSpace(v)
		}
	}
	if out.Method == "" && out.MediaType == "" {
		out.MediaType = regoJSONMediaType
	}
	return out
}

func documentBuiltin(base string) rego.Builtin1 {
	return func(bctx rego.BuiltinContext, href *ast.Term) (*ast.Term, error) {
		s, ok := href.Value.(ast.String)
		if !ok {
			return nil, fmt.Errorf("document: expected string, got %v", href)
		}
		resolver, _ := bctx.Context.Value(resolverContextKey{}).(Resolver)
		if resolver == nil {
			return nil, errNoResolver
		}

		res, found, err := resolver.Resolve(string(s), base)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("document %q not found", string(s))
		}

		doc, err := decodeJSON(res.Data)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", res.Path, err)
		}
		v, err := ast.InterfaceToValue(doc)
		if err != nil {
			return nil, err
		}
		return ast.NewTerm(v), nil
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

type regoProgram struct {
	path     string
	output   Output
	prepared rego.PreparedEvalQuery
}

func (p *regoProgram) Instantiate() Execution {
	return &regoExecution{program: p}
}

func (p *regoProgram) Output() Output {
	return p.output
}

func (p *regoProgram) Source() string {
	return p.path
}

type regoExecution struct {
	program *regoProgram
}

func (e *regoExecution) Run(ctx context.Context, input []byte, resolver Resolver) ([]byte, error) {
	p := e.program

	doc, err := decodeJSON(input)
	if err != nil {
		return nil, execErr(p.path, "parse input: %w", err)
	}

	ctx = context.WithValue(ctx, resolverContextKey{}, resolver)
	results, err := p.prepared.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, execErr(p.path, "%w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, execErr(p.path, "%s is undefined", regoOutputRule)
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return []byte(v), nil
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return nil, execErr(p.path, "encode output: %w", err)
		}
		return out, nil
	}
}
