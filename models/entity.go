package models

import (
	"sync"

	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/quadtree"
)

// Entity is an object located in a world. Its transform is changed through the
// world it belongs to.
type Entity struct {
	ID            uint32
	ParticipantID uint32

	mutex     sync.RWMutex
	parentID  uint32
	children  map[uint32]struct{}
	transform Transform
	abs       Transform
	bounds    geom.Rect
	handle    quadtree.Handle
}

// Transform returns the transform of the entity, relative to its parent.
func (e *Entity) Transform() Transform {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.transform
}

// AbsTransform returns the transform of the entity in world coordinates.
func (e *Entity) AbsTransform() Transform {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.abs
}

// Bounds returns the rectangle indexing the entity in its world.
func (e *Entity) Bounds() geom.Rect {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.bounds
}

// ParentID returns the id of the entity the entity is attached to, or 0.
func (e *Entity) ParentID() uint32 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.parentID
}

func (e *Entity) ToSnapshot() EntitySnapshot {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return EntitySnapshot{
		ID:            e.ID,
		ParticipantID: e.ParticipantID,
		ParentID:      e.parentID,
		Transform:     e.transform,
		Bounds:        e.bounds,
	}
}

// EntitySnapshot is a copy of the state of an entity.
type EntitySnapshot struct {
	ID            uint32    `json:"id"`
	ParticipantID uint32    `json:"participant_id"`
	ParentID      uint32    `json:"parent_id,omitempty"`
	Transform     Transform `json:"transform"`
	Bounds        geom.Rect `json:"bounds"`
}

func EntitiesToSnapshots(entities []*Entity) []EntitySnapshot {
	snapshots := make([]EntitySnapshot, len(entities))
	for i, e := range entities {
		snapshots[i] = e.ToSnapshot()
	}
	return snapshots
}
