// Package registry maps command keywords to handlers. A Registry is immutable
// once built; hot reload builds a new one off to the side and swaps it into a
// Store, so readers never observe a partially populated mapping.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Reserved keywords are handled by the dispatch engine itself and can never be
// bound to a handler.
const (
	KeywordList   = "list"
	KeywordUpdate = "update"
	KeywordExit   = "exit"
)

// Registry errors.
var (
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrIncompatibleManifest = errors.New("incompatible manifest")
)

// IsReserved reports whether keyword is handled by the dispatch engine.
func IsReserved(keyword string) bool {
	switch strings.ToLower(keyword) {
	case KeywordList, KeywordUpdate, KeywordExit:
		return true
	}
	return false
}

// Conn is the part of a session a handler replies through.
type Conn interface {
	SendMessage(body string) error
	SendFile(path string) error
}

// Handler serves one command. It must leave exactly one reply on conn: a
// message, or a sentinel message immediately followed by one file. A returned
// error that did not come from conn means no reply was sent.
type Handler interface {
	Serve(ctx context.Context, conn Conn, args []string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn Conn, args []string) error

// Serve calls f(ctx, conn, args).
func (f HandlerFunc) Serve(ctx context.Context, conn Conn, args []string) error {
	return f(ctx, conn, args)
}

// Entry binds a keyword to a handler.
type Entry struct {
	Keyword     string
	Kind        string
	Description string
	Handler     Handler
}

// Registry is an immutable keyword to handler mapping.
type Registry struct {
	name    string
	version string
	entries map[string]Entry
}

// Empty returns a registry without handlers.
func Empty() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// New builds a registry from entries. Keywords are lower-cased; empty,
// reserved, whitespace-containing and duplicate keywords are rejected, as are
// entries without a handler.
func New(name, version string, entries []Entry) (*Registry, error) {
	r := &Registry{
		name:    name,
		version: version,
		entries: make(map[string]Entry, len(entries)),
	}

	for _, e := range entries {
		keyword := strings.ToLower(strings.TrimSpace(e.Keyword))
		switch {
		case keyword == "":
			return nil, errors.Wrap(ErrInvalidManifest, "empty keyword")
		case strings.ContainsAny(keyword, " \t\r\n"):
			return nil, errors.Wrapf(ErrInvalidManifest, "keyword %q contains whitespace", keyword)
		case IsReserved(keyword):
			return nil, errors.Wrapf(ErrInvalidManifest, "keyword %q is reserved", keyword)
		case e.Handler == nil:
			return nil, errors.Wrapf(ErrInvalidManifest, "keyword %q has no handler", keyword)
		}
		if _, dup := r.entries[keyword]; dup {
			return nil, errors.Wrapf(ErrInvalidManifest, "duplicate keyword %q", keyword)
		}
		e.Keyword = keyword
		r.entries[keyword] = e
	}

	return r, nil
}

// Resolve returns the handler bound to keyword, matched case-insensitively.
func (r *Registry) Resolve(keyword string) (Handler, bool) {
	e, ok := r.entries[strings.ToLower(keyword)]
	if !ok {
		return nil, false
	}
	return e.Handler, true
}

// Names returns the registered keywords in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Entries returns the registered entries sorted by keyword.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r.entries))
	for _, name := range r.Names() {
		entries = append(entries, r.entries[name])
	}
	return entries
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Name returns the name of the module the registry was built from.
func (r *Registry) Name() string {
	return r.name
}

// Version returns the version of the module the registry was built from.
func (r *Registry) Version() string {
	return r.version
}

// Store holds the live registry. Load and Swap are safe for concurrent use.
type Store struct {
	current atomic.Pointer[Registry]
}

// NewStore returns a Store serving r, or an empty registry when r is nil.
func NewStore(r *Registry) *Store {
	if r == nil {
		r = Empty()
	}
	s := &Store{}
	s.current.Store(r)
	return s
}

// Load returns the live registry.
func (s *Store) Load() *Registry {
	return s.current.Load()
}

// Swap installs r and returns the registry it replaced. A nil r is ignored.
func (s *Store) Swap(r *Registry) *Registry {
	if r == nil {
		return s.current.Load()
	}
	return s.current.Swap(r)
}
