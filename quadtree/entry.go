package quadtree

import (
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/pool"
)

// Handle references an entry inserted in a tree. It stays valid until the
// entry is removed or the tree is cleared, including across updates that move
// the entry to another node.
type Handle struct {
	entry pool.Handle
}

// IsZero reports whether h is the zero handle, which never references an
// entry.
func (h Handle) IsZero() bool {
	return h.entry.IsZero()
}

type entry[T any] struct {
	self    pool.Handle
	payload T
	rect    geom.Rect

	// The node holding the entry and the index of the entry within the node
	// entry list. slot is -1 when the entry is not attached to a node.
	node pool.Handle
	slot int
}

func (e *entry[T]) Reset() {
	var zero T

	e.self = pool.Handle{}
	e.payload = zero
	e.rect = geom.Rect{}
	e.node = pool.Handle{}
	e.slot = -1
}

func (e *entry[T]) attached() bool {
	return e.slot >= 0
}
