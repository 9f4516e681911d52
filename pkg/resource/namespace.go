// Package resource maps logical request-style paths onto byte content and
// resolves relative document references against them.
package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Mount binds a logical path prefix to a file system.
type Mount struct {
	Prefix string
	FS     fs.FS
}

// Namespace is an ordered set of mounts. Lookups go to the mount with the
// longest matching prefix. A Namespace is read-only once built and safe for
// concurrent use.
type Namespace struct {
	mounts []Mount
}

var _ fs.FS = (*Namespace)(nil)

// NewNamespace builds a namespace from mounts. Prefixes are cleaned and must
// be unique.
func NewNamespace(mounts ...Mount) (*Namespace, error) {
	seen := make(map[string]struct{}, len(mounts))
	cleaned := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		if m.FS == nil {
			return nil, fmt.Errorf("resource: mount %q has no file system", m.Prefix)
		}
		prefix := cleanPrefix(m.Prefix)
		if _, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("resource: duplicate mount prefix %q", prefix)
		}
		seen[prefix] = struct{}{}
		cleaned = append(cleaned, Mount{Prefix: prefix, FS: m.FS})
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		return len(cleaned[i].Prefix) > len(cleaned[j].Prefix)
	})

	return &Namespace{mounts: cleaned}, nil
}

// Single returns a namespace with fsys mounted at the root.
func Single(fsys fs.FS) *Namespace {
	return &Namespace{mounts: []Mount{{Prefix: "/", FS: fsys}}}
}

// Open implements fs.FS. name is unrooted, as fs.FS requires.
func (n *Namespace) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	fsys, rel, ok := n.route("/" + name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return fsys.Open(rel)
}

// Lookup reads the resource at the logical path p. A missing resource is
// reported with found == false and a nil error. Directories are not
// resources.
func (n *Namespace) Lookup(p string) (data []byte, found bool, err error) {
	fsys, rel, ok := n.route(p)
	if !ok {
		return nil, false, nil
	}
	if info, serr := fs.Stat(fsys, rel); serr == nil && info.IsDir() {
		return nil, false, nil
	}
	data, err = fs.ReadFile(fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resource: read %s: %w", p, err)
	}
	return data, true, nil
}

func (n *Namespace) route(p string) (fs.FS, string, bool) {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)

	for _, m := range n.mounts {
		rel, ok := trimMount(p, m.Prefix)
		if !ok {
			continue
		}
		if !fs.ValidPath(rel) {
			return nil, "", false
		}
		return m.FS, rel, true
	}
	return nil, "", false
}

func trimMount(p, prefix string) (string, bool) {
	if prefix == "/" {
		rel := strings.TrimPrefix(p, "/")
		if rel == "" {
			rel = "."
		}
		return rel, true
	}
	if p == prefix {
		return ".", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix)+1:], true
	}
	return "", false
}

func cleanPrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return path.Clean(prefix)
}
