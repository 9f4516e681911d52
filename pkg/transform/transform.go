// Package transform compiles declarative transformation programs once and
// runs them many times.
//
// A Program is built from source bytes by an Engine chosen from the source
// path extension. It is immutable after Compile and may be shared by any
// number of goroutines. Each run obtains its own Execution from
// Program.Instantiate, so no execution state is ever shared between requests.
package transform

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/polisai/polis-render/pkg/resource"
)

// Resolver resolves references made by a program to other documents.
// *resource.Resolver satisfies it.
type Resolver interface {
	Resolve(ref, base string) (resource.Resource, bool, error)
}

// Output is the output metadata a program declares.
type Output struct {
	// MediaType is the declared media type; empty when the program does not
	// declare one.
	MediaType string
	// Method is the declared serialization method (xml, html, text, ...),
	// lower case; empty when undeclared.
	Method string
}

// Program is a compiled transformation.
type Program interface {
	// Instantiate returns a fresh execution context. It never fails.
	Instantiate() Execution
	// Output returns the declared output metadata.
	Output() Output
	// Source returns the logical path the program was compiled from.
	Source() string
}

// Execution runs a program exactly once.
type Execution interface {
	// Run transforms input and returns the complete output.
	Run(ctx context.Context, input []byte, resolver Resolver) ([]byte, error)
}

// Engine compiles sources of one transformation language.
type Engine interface {
	Name() string
	Compile(ctx context.Context, sourcePath string, source []byte, resolver Resolver) (Program, error)
}

// Registry selects an Engine by source file extension.
type Registry struct {
	byExt    map[string]Engine
	fallback Engine
}

// NewRegistry returns a registry that uses fallback for unknown extensions.
func NewRegistry(fallback Engine) *Registry {
	return &Registry{byExt: make(map[string]Engine), fallback: fallback}
}

// Register binds engine to the given extensions (with or without the dot).
func (r *Registry) Register(engine Engine, exts ...string) {
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.byExt[ext] = engine
	}
}

// EngineFor returns the engine responsible for sourcePath.
func (r *Registry) EngineFor(sourcePath string) Engine {
	if e, ok := r.byExt[strings.ToLower(path.Ext(sourcePath))]; ok {
		return e
	}
	return r.fallback
}

// Compile compiles source with the engine registered for sourcePath.
func (r *Registry) Compile(ctx context.Context, source []byte, sourcePath string, resolver Resolver) (Program, error) {
	engine := r.EngineFor(sourcePath)
	if engine == nil {
		return nil, &CompileError{Path: sourcePath, Err: errors.New("no engine registered")}
	}

	prog, err := engine.Compile(ctx, sourcePath, source, resolver)
	if err != nil {
		var ce *CompileError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CompileError{Path: sourcePath, Engine: engine.Name(), Err: err}
	}
	return prog, nil
}

// DefaultRegistry returns a registry with the template engine as fallback
// and the rego engine for .rego sources.
func DefaultRegistry() *Registry {
	reg := NewRegistry(TemplateEngine{})
	reg.Register(TemplateEngine{}, ".tmpl", ".xsl", ".xslt")
	reg.Register(RegoEngine{}, ".rego")
	return reg
}

// Compile compiles source using DefaultRegistry.
func Compile(ctx context.Context, source []byte, sourcePath string, resolver Resolver) (Program, error) {
	return DefaultRegistry().Compile(ctx, source, sourcePath, resolver)
}
