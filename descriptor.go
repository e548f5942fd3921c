package peerrpc

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Convention is the asynchronous calling convention of a remote function.
type Convention string

const (
	ConventionPromise      Convention = "promise"
	ConventionNodeCallback Convention = "nodeCallback"
	ConventionNodeEvent    Convention = "nodeEvent" // reserved
)

func (c Convention) valid() bool {
	return c == ConventionPromise || c == ConventionNodeCallback || c == ConventionNodeEvent
}

// callable reports whether stubs can be generated for the convention.
func (c Convention) callable() bool {
	return c == ConventionPromise || c == ConventionNodeCallback
}

func (c Convention) eventKind() EventKind {
	if c == ConventionNodeCallback {
		return EventNodeCallback
	}
	return EventPromise
}

// Namespace is an object graph of functions exposed to the peer. Values are
// functions (leaves), nested Namespace or map[string]any values (namespaces),
// or anything else, which is ignored.
type Namespace map[string]any

// Node is either a leaf naming a Convention or a namespace of child nodes.
type Node struct {
	Convention Convention
	Children   Descriptor
}

// Leaf returns a leaf node.
func Leaf(c Convention) Node {
	return Node{Convention: c}
}

// Branch returns a namespace node.
func Branch(children Descriptor) Node {
	if children == nil {
		children = Descriptor{}
	}
	return Node{Children: children}
}

// IsLeaf reports whether n names a callable function.
func (n Node) IsLeaf() bool {
	return n.Children == nil
}

// MarshalJSON encodes leaves as their convention string and namespaces as objects.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.IsLeaf() {
		return json.Marshal(n.Convention)
	}
	return json.Marshal(n.Children)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	var conv Convention
	if err := json.Unmarshal(data, &conv); err == nil {
		if !conv.valid() {
			return NewTypeError("unknown async convention %q", conv)
		}
		*n = Leaf(conv)
		return nil
	}
	var children Descriptor
	if err := json.Unmarshal(data, &children); err != nil {
		return NewTypeError("descriptor node must be a convention or an object: %v", err)
	}
	*n = Branch(children)
	return nil
}

// Descriptor describes the callable paths of one side and the convention of
// each. Only the descriptor crosses the wire, never the functions.
type Descriptor map[string]Node

// Paths returns the dotted paths of every leaf, sorted.
func (d Descriptor) Paths() []string {
	var paths []string
	d.walk("", func(path string, _ Convention) {
		paths = append(paths, path)
	})
	sort.Strings(paths)
	return paths
}

func (d Descriptor) walk(prefix string, fn func(path string, c Convention)) {
	for name, node := range d {
		if node.IsLeaf() {
			fn(prefix+name, node.Convention)
			continue
		}
		node.Children.walk(prefix+name+".", fn)
	}
}

// BuildDescriptor walks exposed and describes every function in it. Functions
// take the convention found at the same path in override, else def.
func BuildDescriptor(def Convention, exposed Namespace, override Descriptor) (Descriptor, error) {
	desc := Descriptor{}
	for name, v := range exposed {
		if sub, ok := asNamespace(v); ok {
			var subOverride Descriptor
			if o, ok := override[name]; ok && !o.IsLeaf() {
				subOverride = o.Children
			}
			child, err := BuildDescriptor(def, sub, subOverride)
			if err != nil {
				return nil, err
			}
			desc[name] = Branch(child)
			continue
		}
		if !isFunc(v) {
			continue
		}
		conv := def
		if o, ok := override[name]; ok && o.IsLeaf() && o.Convention != "" {
			if !o.Convention.valid() {
				return nil, NewTypeError("override for %q names unknown convention %q", name, o.Convention)
			}
			conv = o.Convention
		}
		desc[name] = Leaf(conv)
	}
	return desc, nil
}

func asNamespace(v any) (Namespace, bool) {
	switch ns := v.(type) {
	case Namespace:
		return ns, true
	case map[string]any:
		return Namespace(ns), true
	}
	return nil, false
}

func isFunc(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Func && !rv.IsNil()
}

// descriptorFrom reads a descriptor carried as a Return result element. In
// process it is the Descriptor itself; off the wire it is a decoded object.
func descriptorFrom(v any) (Descriptor, error) {
	switch d := v.(type) {
	case Descriptor:
		return d, nil
	case nil:
		return nil, NewTypeError("missing remote descriptor")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, NewTypeError("encode remote descriptor: %v", err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, NewTypeError("remote descriptor must be an object")
	}
	return d, nil
}
