package resource

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrResolveSyntax marks references or bases that are not valid URIs.
var ErrResolveSyntax = errors.New("resource: invalid reference syntax")

// InjectedPrefixes lists the scheme prefixes a hosting environment may put in
// front of a base location. They are stripped, in this order, before
// resolution.
var InjectedPrefixes = []string{
	"file://",
	"file:",
}

// SyntaxError reports a reference that could not be parsed.
type SyntaxError struct {
	Ref  string
	Base string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid URL resolving %q against %q: %v", e.Ref, e.Base, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrResolveSyntax.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrResolveSyntax
}

// Resource is a resolved document.
type Resource struct {
	// Path is the logical path the reference resolved to. It is the base for
	// references made from inside this resource.
	Path string
	Data []byte
}

// Source is the lookup contract a Resolver reads from.
type Source interface {
	Lookup(path string) ([]byte, bool, error)
}

// Resolver resolves relative references against a Source.
type Resolver struct {
	source Source
}

// NewResolver returns a resolver over source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// NormalizeBase strips the first matching entry of InjectedPrefixes from base.
func NormalizeBase(base string) string {
	for _, prefix := range InjectedPrefixes {
		if strings.HasPrefix(base, prefix) {
			return base[len(prefix):]
		}
	}
	return base
}

// Resolve resolves ref against base and looks the result up. A reference
// that resolves outside the namespace, or to a missing resource, returns
// found == false with a nil error.
func (r *Resolver) Resolve(ref, base string) (Resource, bool, error) {
	target, err := ResolvePath(ref, base)
	if err != nil {
		return Resource{}, false, err
	}
	if target == "" {
		return Resource{}, false, nil
	}

	data, found, err := r.source.Lookup(target)
	if err != nil || !found {
		return Resource{}, false, err
	}
	return Resource{Path: target, Data: data}, true, nil
}

// ResolvePath computes the logical path ref points to from base. It returns
// an empty path when the reference leaves the namespace (another scheme or
// host).
func ResolvePath(ref, base string) (string, error) {
	normalized := NormalizeBase(base)
	if normalized == "" {
		normalized = "/"
	}

	baseURL, err := url.Parse(normalized)
	if err != nil {
		return "", &SyntaxError{Ref: ref, Base: base, Err: err}
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", &SyntaxError{Ref: ref, Base: base, Err: err}
	}

	resolved := baseURL.ResolveReference(refURL)
	if resolved.Scheme != baseURL.Scheme || resolved.Host != baseURL.Host {
		return "", nil
	}
	if resolved.Path == "" {
		return "", nil
	}
	return resolved.Path, nil
}
