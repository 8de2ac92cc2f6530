// Package instrument models the externally owned instrument as a namespace of
// callables reachable by dotted path (e.g. "spoolController.StartSpooling").
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidPath = errors.New("invalid dotted path")
	ErrNotFound    = errors.New("attribute not found")
	ErrNotCallable = errors.New("attribute is not callable")
)

// Probe reports whether a started action has finished.
// A nil Probe means the action completed synchronously.
type Probe func() (bool, error)

// Func is an action target. It must not block: long work is started in the
// background and observed through the returned Probe.
type Func func(ctx context.Context, args Args) (Probe, error)

// SafetyHook puts the physical system into a safe state (e.g. all lasers off).
type SafetyHook func(ctx context.Context) error

// Resolver turns a dotted path into a callable.
type Resolver interface {
	Resolve(path string) (Func, error)
}

// Namespace is a tree of named children and callables.
//
// All methods are safe for concurrent use. Resolve holds the read lock for the
// whole walk, so it observes the tree either before or after a concurrent
// Handle/Mount/Remove, never a half-applied mutation.
type Namespace struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	fn       Func
}

func newNode() *node { return &node{children: map[string]*node{}} }

func NewNamespace() *Namespace {
	return &Namespace{root: newNode()}
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" || p != strings.TrimSpace(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Handle registers fn at path, creating intermediate children as needed.
// Registering at a path that already has children is allowed; the node then
// is both callable and a parent.
func (n *Namespace) Handle(path string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("%w: nil func for %q", ErrNotCallable, path)
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.root
	for _, p := range parts {
		next := cur.children[p]
		if next == nil {
			next = newNode()
			cur.children[p] = next
		}
		cur = next
	}
	cur.fn = fn
	return nil
}

// Mount grafts the contents of sub under path. The subtree is copied, so later
// changes to sub are not visible through n.
func (n *Namespace) Mount(path string, sub *Namespace) error {
	if sub == nil {
		return fmt.Errorf("%w: nil namespace for %q", ErrNotFound, path)
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	sub.mu.RLock()
	cp := copyNode(sub.root)
	sub.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.root
	for _, p := range parts[:len(parts)-1] {
		next := cur.children[p]
		if next == nil {
			next = newNode()
			cur.children[p] = next
		}
		cur = next
	}
	cur.children[parts[len(parts)-1]] = cp
	return nil
}

func copyNode(src *node) *node {
	dst := &node{fn: src.fn, children: make(map[string]*node, len(src.children))}
	for k, c := range src.children {
		dst.children[k] = copyNode(c)
	}
	return dst
}

// Remove deletes path and everything below it. It reports whether something was removed.
func (n *Namespace) Remove(path string) bool {
	parts, err := splitPath(path)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.root
	for _, p := range parts[:len(parts)-1] {
		cur = cur.children[p]
		if cur == nil {
			return false
		}
	}
	last := parts[len(parts)-1]
	if _, ok := cur.children[last]; !ok {
		return false
	}
	delete(cur.children, last)
	return true
}

// Resolve walks path from the root.
func (n *Namespace) Resolve(path string) (Func, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	cur := n.root
	for i, p := range parts {
		next := cur.children[p]
		if next == nil {
			return nil, fmt.Errorf("%w: %q has no attribute %q", ErrNotFound, strings.Join(parts[:i], "."), p)
		}
		cur = next
	}
	if cur.fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotCallable, path)
	}
	return cur.fn, nil
}

// Paths lists every callable path, sorted.
func (n *Namespace) Paths() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []string
	var walk func(prefix string, cur *node)
	walk = func(prefix string, cur *node) {
		if cur.fn != nil && prefix != "" {
			out = append(out, prefix)
		}
		for k, c := range cur.children {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			walk(p, c)
		}
	}
	walk("", n.root)
	sort.Strings(out)
	return out
}

// Done is a Probe that is immediately finished. Funcs may return nil instead.
func Done() (bool, error) { return true, nil }
