package router

import (
	"net/http"
	"sync/atomic"
)

// Router serves from the current Table and swaps tables without dropping
// in-flight requests.
type Router struct {
	current atomic.Pointer[Table]
}

// New returns a router serving t. t may be nil until the first Swap.
func New(t *Table) *Router {
	r := &Router{}
	if t != nil {
		r.current.Store(t)
	}
	return r
}

// Ready reports whether a table is installed.
func (r *Router) Ready() bool {
	return r.current.Load() != nil
}

// Table returns the current table.
func (r *Router) Table() *Table {
	return r.current.Load()
}

// Swap installs t and retires the previous table.
func (r *Router) Swap(t *Table) {
	if old := r.current.Swap(t); old != nil && old != t {
		_ = old.Close()
	}
}

// Close retires the current table.
func (r *Router) Close() error {
	if t := r.current.Swap(nil); t != nil {
		return t.Close()
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	for {
		t := r.current.Load()
		if t == nil {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		// A table retired between Load and acquire is skipped; the next
		// Load sees its replacement.
		if !t.acquire() {
			if r.current.Load() == t {
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			continue
		}
		defer t.release()
		t.ServeHTTP(w, req)
		return
	}
}
