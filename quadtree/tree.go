// Package quadtree implements a region quadtree indexing axis-aligned
// rectangles. Nodes and entries are recycled through pools, so that a tree in
// a steady state of insertions, updates and removals does not allocate.
package quadtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/pool"
)

const (
	DefaultMaxEntries = 15
	DefaultMaxLevels  = 10
)

// CollapsePolicy defines what happens to the subdivisions of a tree when
// entries are removed.
type CollapsePolicy int

const (
	// CollapseEager merges a subtree back into a single node as soon as it
	// holds no more than the maximum number of entries per node.
	CollapseEager CollapsePolicy = iota

	// CollapseLazy keeps subdivisions until Reindex or Clear is called.
	CollapseLazy
)

func (p CollapsePolicy) String() string {
	switch p {
	case CollapseEager:
		return "eager"
	case CollapseLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// Options configures a tree.
type Options struct {
	// The name used in diagnostics.
	Name string

	// The top-left corner and the size of the indexed area. Entries outside
	// of the area can be inserted and are held by the root.
	Origin geom.Vec2
	Size   geom.Vec2

	// The number of entries a node holds before being split.
	MaxEntries int

	// The maximum depth of the tree. The root is at level 0.
	MaxLevels int

	Collapse CollapsePolicy
}

// DefaultOptions returns the options of a tree indexing the given area.
func DefaultOptions(origin, size geom.Vec2) Options {
	return Options{
		Name:       "quadtree",
		Origin:     origin,
		Size:       size,
		MaxEntries: DefaultMaxEntries,
		MaxLevels:  DefaultMaxLevels,
		Collapse:   CollapseEager,
	}
}

// Tree is a region quadtree associating payloads of type T to rectangles.
//
// A Tree is not safe for concurrent use.
type Tree[T any] struct {
	name     string
	collapse CollapsePolicy
	root     node[T]
	arena    arena[T]
	revision uint64
}

// New creates an empty tree.
func New[T any](opts Options) (*Tree[T], error) {
	switch {
	case opts.MaxEntries <= 0:
		return nil, errors.New("max entries must be greater than 0").
			WithType(ErrTypeInvalidConfig).
			WithTag("max_entries", opts.MaxEntries)

	case opts.MaxLevels < 0:
		return nil, errors.New("max levels must not be negative").
			WithType(ErrTypeInvalidConfig).
			WithTag("max_levels", opts.MaxLevels)

	case opts.Size.X <= 0 || opts.Size.Y <= 0:
		return nil, errors.New("size must be positive").
			WithType(ErrTypeInvalidConfig).
			WithTag("width", opts.Size.X).
			WithTag("height", opts.Size.Y)

	case opts.Collapse != CollapseEager && opts.Collapse != CollapseLazy:
		return nil, errors.New("unknown collapse policy").
			WithType(ErrTypeInvalidConfig).
			WithTag("collapse", int(opts.Collapse))
	}

	name := opts.Name
	if name == "" {
		name = "quadtree"
	}

	t := &Tree[T]{
		name:     name,
		collapse: opts.Collapse,
	}
	t.arena = arena[T]{
		root:       &t.root,
		nodes:      pool.New[node[T]]("nodes"),
		entries:    pool.New[entry[T]]("entries"),
		maxEntries: opts.MaxEntries,
		maxLevels:  opts.MaxLevels,
	}
	t.root.origin = opts.Origin
	t.root.size = opts.Size
	t.root.arena = &t.arena
	return t, nil
}

func (t *Tree[T]) Name() string {
	return t.name
}

// Bounds returns the indexed area.
func (t *Tree[T]) Bounds() geom.Rect {
	return t.root.bounds()
}

// Revision returns a number that changes each time the tree is mutated.
func (t *Tree[T]) Revision() uint64 {
	return t.revision
}

// Insert adds an entry and returns its handle. Inserting never fails: entries
// outside of the tree bounds are held by the root.
func (t *Tree[T]) Insert(payload T, r geom.Rect) Handle {
	h, e := t.arena.entries.Acquire()
	e.self = h
	e.payload = payload
	e.rect = r

	t.root.insert(h, e)
	t.mutated()
	return Handle{entry: h}
}

// Remove removes the entry referenced by h. It returns an error with the
// ErrTypeHandleNotOwned type when the entry is no longer in the tree.
func (t *Tree[T]) Remove(h Handle) error {
	e, err := t.owned(h)
	if err != nil {
		return err
	}

	n := t.arena.node(e.node)
	n.detach(e)
	t.arena.releaseEntry(h.entry)
	t.collapseFrom(n)
	t.mutated()
	return nil
}

// Update changes the rectangle of the entry referenced by h. It returns true
// when the entry stays in its node and false when it was moved to another
// one. The handle remains valid in both cases.
func (t *Tree[T]) Update(h Handle, r geom.Rect) (bool, error) {
	e, err := t.owned(h)
	if err != nil {
		return false, err
	}

	n := t.arena.node(e.node)
	if n.keeps(r) {
		e.rect = r
		t.mutated()
		return true, nil
	}

	n.detach(e)
	t.collapseFrom(n)

	e.rect = r
	t.root.insert(h.entry, e)
	t.mutated()
	return false, nil
}

// Payload returns the payload of the entry referenced by h.
func (t *Tree[T]) Payload(h Handle) (T, error) {
	e, err := t.owned(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.payload, nil
}

// Rect returns the rectangle of the entry referenced by h.
func (t *Tree[T]) Rect(h Handle) (geom.Rect, error) {
	e, err := t.owned(h)
	if err != nil {
		return geom.Rect{}, err
	}
	return e.rect, nil
}

// Contains reports whether h references an entry of the tree.
func (t *Tree[T]) Contains(h Handle) bool {
	_, err := t.owned(h)
	return err == nil
}

// QueryArea appends to out the payloads of the entries whose rectangle
// intersects r, edges included. Passing a reused slice avoids allocations.
func (t *Tree[T]) QueryArea(r geom.Rect, out []T) []T {
	return t.root.collect(r, out)
}

// Query calls fn for each entry whose rectangle intersects r, edges included.
// Iteration stops when fn returns false. The tree must not be mutated from
// fn.
func (t *Tree[T]) Query(r geom.Rect, fn func(Handle, T) bool) {
	t.root.visit(r, fn)
}

// Clear removes all the entries and subdivisions. Every handle previously
// returned by Insert becomes stale.
func (t *Tree[T]) Clear() {
	t.root.clear()
	t.mutated()
}

// Reindex collapses the whole tree and subdivides it again from scratch. It
// reclaims the subdivisions left over by lazy collapsing.
func (t *Tree[T]) Reindex() {
	t.root.combine()
	t.root.splitIfNeeded()
	t.mutated()
}

// TotalSize returns the number of entries in the tree.
func (t *Tree[T]) TotalSize() int {
	return t.root.totalSize()
}

// PoolStats returns the utilization of the node and entry pools. The root
// node is not pooled.
func (t *Tree[T]) PoolStats() map[string]pool.Stats {
	return map[string]pool.Stats{
		t.arena.nodes.Name():   t.arena.nodes.Stats(),
		t.arena.entries.Name(): t.arena.entries.Stats(),
	}
}

func (t *Tree[T]) owned(h Handle) (*entry[T], error) {
	e, ok := t.arena.entries.Get(h.entry)
	if !ok || !e.attached() {
		return nil, errors.New("handle is not owned by the tree").
			WithType(ErrTypeHandleNotOwned).
			WithTag("tree", t.name)
	}
	return e, nil
}

// collapseFrom merges the highest ancestor of n whose subtree fits in a single
// node.
func (t *Tree[T]) collapseFrom(n *node[T]) {
	if t.collapse != CollapseEager {
		return
	}

	limit := t.arena.maxEntries
	for n.level > 0 {
		parent := t.arena.node(n.parent)
		if parent.exceeds(limit) {
			break
		}
		n = parent
	}

	if !n.isLeaf() && !n.exceeds(limit) {
		n.combine()
	}
}

func (t *Tree[T]) mutated() {
	t.revision++
	if debugAsserts {
		if err := t.Validate(); err != nil {
			panic(err)
		}
	}
}
