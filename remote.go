package peerrpc

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Remote is the peer's namespace of functions, built from the descriptor it
// sent during the handshake.
type Remote struct {
	path   string
	procs  map[string]*Procedure
	spaces map[string]*Remote
}

func buildRemote(s *Session, desc Descriptor, prefix string) *Remote {
	r := &Remote{
		path:   prefix,
		procs:  make(map[string]*Procedure),
		spaces: make(map[string]*Remote),
	}
	for name, node := range desc {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if node.IsLeaf() {
			r.procs[name] = &Procedure{Path: path, Convention: node.Convention, s: s}
			continue
		}
		r.spaces[name] = buildRemote(s, node.Children, path)
	}
	return r
}

// Func returns the function called name in this namespace, or nil.
func (r *Remote) Func(name string) *Procedure {
	if r == nil {
		return nil
	}
	return r.procs[name]
}

// Namespace returns the sub-namespace called name, or nil.
func (r *Remote) Namespace(name string) *Remote {
	if r == nil {
		return nil
	}
	return r.spaces[name]
}

// Lookup resolves a dotted path relative to r.
func (r *Remote) Lookup(path string) (*Procedure, error) {
	names := strings.Split(path, ".")
	if path == "" {
		return nil, ErrEmptyPath
	}
	cur := r
	for _, name := range names[:len(names)-1] {
		cur = cur.Namespace(name)
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotNamespace, name)
		}
	}
	p := cur.Func(names[len(names)-1])
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFunction, path)
	}
	return p, nil
}

// Names returns the sorted names of functions and namespaces directly under r.
func (r *Remote) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.procs)+len(r.spaces))
	for name := range r.procs {
		names = append(names, name)
	}
	for name := range r.spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Paths returns the sorted dotted paths of every function under r.
func (r *Remote) Paths() []string {
	if r == nil {
		return nil
	}
	var paths []string
	for _, p := range r.procs {
		paths = append(paths, p.Path)
	}
	for _, sub := range r.spaces {
		paths = append(paths, sub.Paths()...)
	}
	sort.Strings(paths)
	return paths
}

// Procedure is a function on the peer.
type Procedure struct {
	Path       string
	Convention Convention

	s *Session
}

// Apply invokes the procedure. For promise procedures it returns the pending
// Call. For nodeCallback procedures the last argument must be a Callback (or a
// func(error, ...any)), which receives the outcome, and the returned Call is nil.
func (p *Procedure) Apply(args ...any) (*Call, error) {
	switch p.Convention {
	case ConventionPromise:
		return p.s.post(EventPromise, p.Path, Args(args), nil)
	case ConventionNodeCallback:
		cb, ok := lastCallback(args)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCallbackRequired, p.Path)
		}
		return p.s.post(EventNodeCallback, p.Path, Args(args[:len(args)-1]), cb)
	default:
		return nil, NewTypeError("cannot call %s: unsupported async convention %q", p.Path, p.Convention)
	}
}

// Call invokes the procedure and blocks until it settles or ctx is done,
// regardless of its convention.
func (p *Procedure) Call(ctx context.Context, args ...any) (Args, error) {
	if p.Convention != ConventionNodeCallback {
		call, err := p.Apply(args...)
		if err != nil {
			return nil, err
		}
		return call.Wait(ctx)
	}

	call := newCall("", p.Path)
	cb := Callback(func(err error, results ...any) {
		if err != nil {
			call.reject(err)
			return
		}
		call.resolve(results)
	})
	if _, err := p.Apply(append(args, cb)...); err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func lastCallback(args []any) (Callback, bool) {
	if len(args) == 0 {
		return nil, false
	}
	switch cb := args[len(args)-1].(type) {
	case Callback:
		return cb, cb != nil
	case func(error, ...any):
		return cb, cb != nil
	}
	return nil, false
}
