package quadtree

import (
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/pool"
)

// Quadrant indexes, in the order children are created by a split.
const (
	quadrantTopRight = iota
	quadrantTopLeft
	quadrantBottomLeft
	quadrantBottomRight
)

// arena holds the storage shared by all the nodes of a tree. The root node is
// owned by the tree and is addressed with the zero handle.
type arena[T any] struct {
	root       *node[T]
	nodes      *pool.Pool[node[T], *node[T]]
	entries    *pool.Pool[entry[T], *entry[T]]
	maxEntries int
	maxLevels  int
}

func (a *arena[T]) node(h pool.Handle) *node[T] {
	if h.IsZero() {
		return a.root
	}
	return a.nodes.At(h)
}

func (a *arena[T]) entry(h pool.Handle) *entry[T] {
	return a.entries.At(h)
}

func (a *arena[T]) releaseNode(h pool.Handle) {
	if err := a.nodes.Release(h); err != nil {
		panic(invariantViolation("releasing a node that is not in use").Wrap(err))
	}
}

func (a *arena[T]) releaseEntry(h pool.Handle) {
	if err := a.entries.Release(h); err != nil {
		panic(invariantViolation("releasing an entry that is not in use").Wrap(err))
	}
}

type node[T any] struct {
	self   pool.Handle
	parent pool.Handle
	level  int
	origin geom.Vec2
	size   geom.Vec2

	// Either empty or exactly 4 children, indexed by quadrant.
	children []pool.Handle
	entries  []pool.Handle
	arena    *arena[T]
}

func (n *node[T]) Reset() {
	n.self = pool.Handle{}
	n.parent = pool.Handle{}
	n.level = 0
	n.origin = geom.Vec2{}
	n.size = geom.Vec2{}
	n.children = n.children[:0]
	n.entries = n.entries[:0]
	n.arena = nil
}

func (n *node[T]) isLeaf() bool {
	return len(n.children) == 0
}

func (n *node[T]) child(quadrant int) *node[T] {
	return n.arena.nodes.At(n.children[quadrant])
}

func (n *node[T]) bounds() geom.Rect {
	return geom.NewRectFromMinMax(n.origin, n.origin.Add(n.size))
}

func (n *node[T]) contains(r geom.Rect) bool {
	return r.Left() >= n.origin.X &&
		r.Right() <= n.origin.X+n.size.X &&
		r.Top() >= n.origin.Y &&
		r.Bottom() <= n.origin.Y+n.size.Y
}

// quadrant returns the quadrant r lies strictly within, or -1 when r touches
// or crosses one of the node midlines.
func (n *node[T]) quadrant(r geom.Rect) int {
	midX := n.origin.X + n.size.X/2
	midY := n.origin.Y + n.size.Y/2

	top := r.Bottom() < midY
	bottom := r.Top() > midY

	switch {
	case r.Right() < midX:
		if top {
			return quadrantTopLeft
		}
		if bottom {
			return quadrantBottomLeft
		}

	case r.Left() > midX:
		if top {
			return quadrantTopRight
		}
		if bottom {
			return quadrantBottomRight
		}
	}
	return -1
}

// target returns the quadrant of the child r must be delegated to, or -1 when
// r belongs to the node itself. Rectangles outside the node bounds are never
// delegated.
func (n *node[T]) target(r geom.Rect) int {
	if n.isLeaf() || !n.contains(r) {
		return -1
	}
	return n.quadrant(r)
}

func (n *node[T]) insert(h pool.Handle, e *entry[T]) {
	if q := n.target(e.rect); q >= 0 {
		n.child(q).insert(h, e)
		return
	}

	n.attach(h, e)
	n.splitIfNeeded()
}

func (n *node[T]) splitIfNeeded() {
	if !n.isLeaf() ||
		len(n.entries) <= n.arena.maxEntries ||
		n.level >= n.arena.maxLevels {
		return
	}

	n.split()
	n.redistribute()
}

// split creates the 4 children of the node. It does nothing when the node
// already has children.
func (n *node[T]) split() {
	switch len(n.children) {
	case 0:
	case 4:
		return
	default:
		panic(invariantViolation("splitting a node with a partial child list").
			WithTag("level", n.level).
			WithTag("children", len(n.children)))
	}

	w := n.size.X / 2
	h := n.size.Y / 2
	x := n.origin.X
	y := n.origin.Y

	origins := [4]geom.Vec2{
		quadrantTopRight:    {X: x + w, Y: y},
		quadrantTopLeft:     {X: x, Y: y},
		quadrantBottomLeft:  {X: x, Y: y + h},
		quadrantBottomRight: {X: x + w, Y: y + h},
	}

	for _, origin := range origins {
		ch, c := n.arena.nodes.Acquire()
		c.self = ch
		c.parent = n.self
		c.level = n.level + 1
		c.origin = origin
		c.size = geom.Vec2{X: w, Y: h}
		c.arena = n.arena
		n.children = append(n.children, ch)
	}
}

// redistribute pushes down the entries that fit in a single child.
func (n *node[T]) redistribute() {
	for i := 0; i < len(n.entries); {
		h := n.entries[i]
		e := n.arena.entry(h)

		q := n.target(e.rect)
		if q < 0 {
			i++
			continue
		}

		// Detaching moves the last entry at index i.
		n.detach(e)
		n.child(q).insert(h, e)
	}
}

// combine pulls up every entry of the subtree and releases the children.
func (n *node[T]) combine() {
	for _, ch := range n.children {
		c := n.arena.nodes.At(ch)
		c.combine()

		for _, h := range c.entries {
			e := n.arena.entry(h)
			if e.node != ch {
				panic(invariantViolation("entry is not held by the node listing it").
					WithTag("level", c.level))
			}
			n.attach(h, e)
		}

		c.entries = c.entries[:0]
		n.arena.releaseNode(ch)
	}

	n.children = n.children[:0]
}

func (n *node[T]) attach(h pool.Handle, e *entry[T]) {
	e.node = n.self
	e.slot = len(n.entries)
	n.entries = append(n.entries, h)
}

// detach removes e from the node entries in constant time by moving the last
// entry into its slot.
func (n *node[T]) detach(e *entry[T]) {
	last := len(n.entries) - 1
	if e.slot < 0 || e.slot > last || n.entries[e.slot] != e.self {
		panic(invariantViolation("detaching an entry that is not held by the node").
			WithTag("level", n.level).
			WithTag("slot", e.slot))
	}

	moved := n.entries[last]
	n.entries[e.slot] = moved
	n.arena.entry(moved).slot = e.slot
	n.entries = n.entries[:last]

	e.node = pool.Handle{}
	e.slot = -1
}

// keeps reports whether r can stay in the node without breaking the placement
// rules.
func (n *node[T]) keeps(r geom.Rect) bool {
	if n.level > 0 && !n.contains(r) {
		return false
	}
	return n.target(r) < 0
}

func (n *node[T]) clear() {
	for _, h := range n.entries {
		n.arena.releaseEntry(h)
	}
	n.entries = n.entries[:0]

	for _, ch := range n.children {
		n.arena.nodes.At(ch).clear()
		n.arena.releaseNode(ch)
	}
	n.children = n.children[:0]
}

func (n *node[T]) totalSize() int {
	size := len(n.entries)
	for _, ch := range n.children {
		size += n.arena.nodes.At(ch).totalSize()
	}
	return size
}

// exceeds reports whether the subtree holds more than limit entries. It stops
// counting as soon as the limit is crossed.
func (n *node[T]) exceeds(limit int) bool {
	return n.countUpTo(limit+1) > limit
}

func (n *node[T]) countUpTo(limit int) int {
	count := len(n.entries)
	for _, ch := range n.children {
		if count >= limit {
			break
		}
		count += n.arena.nodes.At(ch).countUpTo(limit - count)
	}
	return count
}

// collect appends to out the payloads of the entries intersecting r.
func (n *node[T]) collect(r geom.Rect, out []T) []T {
	if !n.isLeaf() {
		if q := n.quadrant(r); q >= 0 {
			out = n.child(q).collect(r, out)
		} else {
			for _, ch := range n.children {
				out = n.arena.nodes.At(ch).collect(r, out)
			}
		}
	}

	for _, h := range n.entries {
		if e := n.arena.entry(h); e.rect.Intersects(r) {
			out = append(out, e.payload)
		}
	}
	return out
}

// visit calls fn for each entry intersecting r. It returns false as soon as fn
// does.
func (n *node[T]) visit(r geom.Rect, fn func(Handle, T) bool) bool {
	if !n.isLeaf() {
		if q := n.quadrant(r); q >= 0 {
			if !n.child(q).visit(r, fn) {
				return false
			}
		} else {
			for _, ch := range n.children {
				if !n.arena.nodes.At(ch).visit(r, fn) {
					return false
				}
			}
		}
	}

	for _, h := range n.entries {
		if e := n.arena.entry(h); e.rect.Intersects(r) {
			if !fn(Handle{entry: h}, e.payload) {
				return false
			}
		}
	}
	return true
}
