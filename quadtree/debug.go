package quadtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/pool"
)

// DebugInfo is a snapshot of the shape of a tree.
type DebugInfo struct {
	Name            string                `json:"name"`
	Bounds          geom.Rect             `json:"bounds"`
	MaxEntries      int                   `json:"max_entries"`
	MaxLevels       int                   `json:"max_levels"`
	Collapse        string                `json:"collapse"`
	Revision        uint64                `json:"revision"`
	Entries         int                   `json:"entries"`
	Nodes           int                   `json:"nodes"`
	Leaves          int                   `json:"leaves"`
	Depth           int                   `json:"depth"`
	EntriesPerLevel []int                 `json:"entries_per_level"`
	Pools           map[string]pool.Stats `json:"pools"`
}

// DebugInfo walks the tree and returns a snapshot of its shape.
func (t *Tree[T]) DebugInfo() DebugInfo {
	info := DebugInfo{
		Name:       t.name,
		Bounds:     t.Bounds(),
		MaxEntries: t.arena.maxEntries,
		MaxLevels:  t.arena.maxLevels,
		Collapse:   t.collapse.String(),
		Revision:   t.revision,
		Pools:      t.PoolStats(),
	}
	t.root.debug(&info)
	return info
}

func (n *node[T]) debug(info *DebugInfo) {
	info.Nodes++
	info.Entries += len(n.entries)
	if n.level > info.Depth {
		info.Depth = n.level
	}
	for len(info.EntriesPerLevel) <= n.level {
		info.EntriesPerLevel = append(info.EntriesPerLevel, 0)
	}
	info.EntriesPerLevel[n.level] += len(n.entries)

	if n.isLeaf() {
		info.Leaves++
		return
	}
	for _, ch := range n.children {
		n.arena.nodes.At(ch).debug(info)
	}
}

// Validate walks the tree and checks its structural invariants. It returns an
// error with the ErrTypeInvariantViolation type describing the first broken
// one.
func (t *Tree[T]) Validate() error {
	var entries, nodes int
	if err := t.root.validate(pool.Handle{}, 0, &entries, &nodes); err != nil {
		return errors.New("invalid tree").
			WithType(ErrTypeInvariantViolation).
			WithTag("tree", t.name).
			Wrap(err)
	}

	if used := t.arena.entries.TotalUsed(); used != entries {
		return invariantViolation("entry pool usage does not match the tree").
			WithTag("tree", t.name).
			WithTag("used", used).
			WithTag("entries", entries)
	}

	// The root is not pooled.
	if used := t.arena.nodes.TotalUsed(); used != nodes-1 {
		return invariantViolation("node pool usage does not match the tree").
			WithTag("tree", t.name).
			WithTag("used", used).
			WithTag("nodes", nodes-1)
	}
	return nil
}

func (n *node[T]) validate(parent pool.Handle, level int, entries, nodes *int) error {
	*nodes++

	switch {
	case n.parent != parent:
		return invariantViolation("node parent mismatch").
			WithTag("level", level)

	case n.level != level:
		return invariantViolation("node level mismatch").
			WithTag("level", level).
			WithTag("node_level", n.level)

	case n.level > n.arena.maxLevels:
		return invariantViolation("node is deeper than the max level").
			WithTag("level", level)

	case len(n.children) != 0 && len(n.children) != 4:
		return invariantViolation("node has a partial child list").
			WithTag("level", level).
			WithTag("children", len(n.children))
	}

	for i, h := range n.entries {
		e, ok := n.arena.entries.Get(h)
		switch {
		case !ok:
			return invariantViolation("node lists a released entry").
				WithTag("level", level).
				WithTag("slot", i)

		case e.self != h || e.node != n.self || e.slot != i:
			return invariantViolation("entry back reference mismatch").
				WithTag("level", level).
				WithTag("slot", i).
				WithTag("entry_slot", e.slot)

		case n.target(e.rect) >= 0:
			return invariantViolation("branch retains an entry that fits in a child").
				WithTag("level", level).
				WithTag("slot", i)
		}
	}
	*entries += len(n.entries)

	for _, ch := range n.children {
		c, ok := n.arena.nodes.Get(ch)
		if !ok {
			return invariantViolation("node lists a released child").
				WithTag("level", level)
		}
		if c.self != ch {
			return invariantViolation("child handle mismatch").
				WithTag("level", level)
		}
		if err := c.validate(n.self, level+1, entries, nodes); err != nil {
			return err
		}
	}
	return nil
}
