package models

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/pool"
	"github.com/aukilabs/laguz/quadtree"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

const (
	ErrTypeEntityNotFound        = "entity_not_found"
	ErrTypeEntityAlreadyAttached = "entity_already_attached"
	ErrTypeInvalidParent         = "entity_invalid_parent"

	DefaultFrameDuration = time.Millisecond * 15

	// The number of frames between each reindexing of a lazily collapsed
	// tree.
	reindexFrameInterval = 1000
)

// WorldOptions configures a world.
type WorldOptions struct {
	// The options of the tree indexing the world entities.
	Tree quadtree.Options

	// The duration of a frame.
	FrameDuration time.Duration

	// The maximum number of cached area query results. The cache is disabled
	// when 0.
	AreaCacheSize int64
}

// World represents a 2D space that contains entities indexed by their bounds
// and participants who can communicate between each other.
type World struct {
	ID        uint32
	WorldUUID string

	participantIDs   SequentialIDGenerator
	participantMutex sync.RWMutex
	participants     map[uint32]*Participant

	// Guards the entities, their hierarchy and the tree.
	mutex     sync.RWMutex
	entityIDs SequentialIDGenerator
	entities  map[uint32]*Entity
	tree      *quadtree.Tree[uint32]
	lazyTree  bool
	areaCache *ristretto.Cache[string, []uint32]

	startFrameOnce  sync.Once
	closeFrameChan  chan struct{}
	frameTicker     *time.Ticker
	frameHandlerIDs SequentialIDGenerator
	frameHandlers   map[uint32]func()
	frameMutex      sync.RWMutex
	frameCount      uint64

	closeOnce sync.Once
}

func NewWorld(id uint32, opts WorldOptions) (*World, error) {
	worldUUID := uuid.New().String()

	treeOptions := opts.Tree
	treeOptions.Name = worldUUID

	tree, err := quadtree.New[uint32](treeOptions)
	if err != nil {
		return nil, errors.New("creating world tree failed").
			WithTag("world_id", id).
			Wrap(err)
	}

	var areaCache *ristretto.Cache[string, []uint32]
	if opts.AreaCacheSize > 0 {
		areaCache, err = ristretto.NewCache(&ristretto.Config[string, []uint32]{
			NumCounters:        opts.AreaCacheSize * 10,
			MaxCost:            opts.AreaCacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, errors.New("creating area cache failed").
				WithTag("world_id", id).
				WithTag("size", opts.AreaCacheSize).
				Wrap(err)
		}
	}

	frameDuration := opts.FrameDuration
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}

	return &World{
		ID:             id,
		WorldUUID:      worldUUID,
		participants:   make(map[uint32]*Participant),
		entities:       make(map[uint32]*Entity),
		tree:           tree,
		lazyTree:       opts.Tree.Collapse == quadtree.CollapseLazy,
		areaCache:      areaCache,
		closeFrameChan: make(chan struct{}, 1),
		frameTicker:    time.NewTicker(frameDuration),
		frameHandlers:  make(map[uint32]func()),
	}, nil
}

func (w *World) Close() {
	w.closeOnce.Do(func() {
		w.frameTicker.Stop()
		w.closeFrameChan <- struct{}{}

		if w.areaCache != nil {
			w.areaCache.Close()
		}
	})
}

func (w *World) NewParticipantID() uint32 {
	return w.participantIDs.New()
}

// Join creates a participant sending messages with responder and adds it to
// the world.
func (w *World) Join(responder ResponseSender) *Participant {
	p := &Participant{
		ID:        w.NewParticipantID(),
		Responder: responder,
	}
	w.AddParticipant(p)
	return p
}

func (w *World) AddParticipant(p *Participant) {
	w.participantMutex.Lock()
	defer w.participantMutex.Unlock()

	w.participants[p.ID] = p
}

func (w *World) RemoveParticipant(p *Participant) {
	w.participantMutex.Lock()
	defer w.participantMutex.Unlock()

	delete(w.participants, p.ID)
	w.participantIDs.Reuse(p.ID)
}

func (w *World) GetParticipants() []*Participant {
	w.participantMutex.RLock()
	defer w.participantMutex.RUnlock()

	participants := make([]*Participant, 0, len(w.participants))
	for _, p := range w.participants {
		participants = append(participants, p)
	}
	return participants
}

func (w *World) ParticipantCount() int {
	w.participantMutex.RLock()
	defer w.participantMutex.RUnlock()

	return len(w.participants)
}

// Broadcast sends msg to every participant but the sender.
func (w *World) Broadcast(sender *Participant, msg any) {
	w.participantMutex.RLock()
	defer w.participantMutex.RUnlock()

	for _, p := range w.participants {
		if p == sender {
			continue
		}
		p.Responder.Send(msg)
	}
}

// AddEntity creates an entity and indexes its bounds. When parentID is not 0,
// the transform is relative to the parent entity.
func (w *World) AddEntity(participantID uint32, t Transform, parentID uint32) (*Entity, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	abs := t
	if parentID != 0 {
		parent, ok := w.entities[parentID]
		if !ok {
			return nil, errors.New("parent entity not found").
				WithType(ErrTypeEntityNotFound).
				WithTag("world_id", w.ID).
				WithTag("entity_id", parentID)
		}
		abs = t.Compose(parent.abs)
	}

	e := &Entity{
		ID:            w.entityIDs.New(),
		ParticipantID: participantID,
		parentID:      parentID,
		transform:     t,
		abs:           abs,
		bounds:        abs.Bounds(),
	}
	e.handle = w.tree.Insert(e.ID, e.bounds)
	w.entities[e.ID] = e

	if parentID != 0 {
		w.entities[parentID].addChild(e.ID)
	}

	instrumentEntityGauge(1)
	return e, nil
}

// RemoveEntity removes an entity and all the entities attached to it. It
// returns the ids of the removed entities.
func (w *World) RemoveEntity(id uint32) ([]uint32, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	e, ok := w.entities[id]
	if !ok {
		return nil, w.entityNotFound(id)
	}

	if e.parentID != 0 {
		delete(w.entities[e.parentID].children, id)
	}

	removed := w.remove(e, nil)
	instrumentEntityGauge(-len(removed))
	return removed, nil
}

func (w *World) remove(e *Entity, removed []uint32) []uint32 {
	for id := range e.children {
		removed = w.remove(w.entities[id], removed)
	}

	if err := w.tree.Remove(e.handle); err != nil {
		logs.WithTag("world_id", w.ID).
			WithTag("entity_id", e.ID).
			Warn(errors.New("removing entity from tree failed").Wrap(err))
	}

	delete(w.entities, e.ID)
	w.entityIDs.Reuse(e.ID)
	return append(removed, e.ID)
}

// SetTransform changes the transform of an entity and moves the entities
// attached to it.
func (w *World) SetTransform(id uint32, t Transform) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	e, ok := w.entities[id]
	if !ok {
		return w.entityNotFound(id)
	}

	e.mutex.Lock()
	e.transform = t
	e.mutex.Unlock()

	return w.refresh(e)
}

// AttachTo attaches an entity to a parent. The entity transform becomes
// relative to the parent.
func (w *World) AttachTo(id, parentID uint32) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	e, ok := w.entities[id]
	if !ok {
		return w.entityNotFound(id)
	}

	parent, ok := w.entities[parentID]
	if !ok {
		return w.entityNotFound(parentID)
	}

	if e.parentID != 0 {
		return errors.New("entity is already attached").
			WithType(ErrTypeEntityAlreadyAttached).
			WithTag("world_id", w.ID).
			WithTag("entity_id", id).
			WithTag("parent_id", e.parentID)
	}

	if err := w.checkParent(e, parent); err != nil {
		return err
	}

	w.setParent(e, parentID)
	return w.refresh(e)
}

// Reparent moves an entity under another parent, or under the world when
// parentID is 0. The hierarchy is left untouched when the new parent is
// rejected.
func (w *World) Reparent(id, parentID uint32) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	e, ok := w.entities[id]
	if !ok {
		return w.entityNotFound(id)
	}
	if e.parentID == parentID {
		return nil
	}

	if parentID != 0 {
		parent, ok := w.entities[parentID]
		if !ok {
			return w.entityNotFound(parentID)
		}
		if err := w.checkParent(e, parent); err != nil {
			return err
		}
	}

	w.setParent(e, parentID)
	return w.refresh(e)
}

// Detach detaches an entity from its parent. The entity transform becomes
// relative to the world.
func (w *World) Detach(id uint32) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	e, ok := w.entities[id]
	if !ok {
		return w.entityNotFound(id)
	}
	if e.parentID == 0 {
		return nil
	}

	w.setParent(e, 0)
	return w.refresh(e)
}

// checkParent returns an error when parent is e or one of its descendants.
func (w *World) checkParent(e, parent *Entity) error {
	for p := parent; p != nil; p = w.entities[p.parentID] {
		if p.ID == e.ID {
			return errors.New("entity cannot be attached to itself or its descendants").
				WithType(ErrTypeInvalidParent).
				WithTag("world_id", w.ID).
				WithTag("entity_id", e.ID).
				WithTag("parent_id", parent.ID)
		}
	}
	return nil
}

// setParent moves e from its current parent children to the children of the
// entity identified by parentID.
func (w *World) setParent(e *Entity, parentID uint32) {
	if e.parentID != 0 {
		delete(w.entities[e.parentID].children, e.ID)
	}

	e.mutex.Lock()
	e.parentID = parentID
	e.mutex.Unlock()

	if parentID != 0 {
		w.entities[parentID].addChild(e.ID)
	}
}

// refresh recomputes the absolute transform of e and its descendants and
// updates their bounds in the tree.
func (w *World) refresh(e *Entity) error {
	abs := e.transform
	if e.parentID != 0 {
		abs = e.transform.Compose(w.entities[e.parentID].abs)
	}

	e.mutex.Lock()
	e.abs = abs
	e.bounds = abs.Bounds()
	e.mutex.Unlock()

	if _, err := w.tree.Update(e.handle, e.bounds); err != nil {
		return errors.New("updating entity bounds failed").
			WithTag("world_id", w.ID).
			WithTag("entity_id", e.ID).
			Wrap(err)
	}

	for id := range e.children {
		if err := w.refresh(w.entities[id]); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) EntityByID(id uint32) (*Entity, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	e, ok := w.entities[id]
	return e, ok
}

// Entities returns the world entities sorted by id.
func (w *World) Entities() []*Entity {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	entities := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		entities = append(entities, e)
	}
	sortEntities(entities)
	return entities
}

func (w *World) EntityCount() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return len(w.entities)
}

// QueryArea appends to out the ids of the entities whose bounds intersect the
// given area.
func (w *World) QueryArea(area geom.Rect, out []uint32) []uint32 {
	start := time.Now()

	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if w.areaCache == nil {
		out = w.tree.QueryArea(area, out)
		instrumentAreaQuery(false, start)
		return out
	}

	key := areaCacheKey(w.tree.Revision(), area)
	if ids, ok := w.areaCache.Get(key); ok {
		instrumentAreaQuery(true, start)
		return append(out, ids...)
	}

	n := len(out)
	out = w.tree.QueryArea(area, out)
	w.areaCache.Set(key, slices.Clone(out[n:]), 1)
	instrumentAreaQuery(false, start)
	return out
}

// QueryEntities returns the entities whose bounds intersect the given area,
// sorted by id.
func (w *World) QueryEntities(area geom.Rect) []*Entity {
	ids := w.QueryArea(area, nil)

	w.mutex.RLock()
	defer w.mutex.RUnlock()

	entities := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := w.entities[id]; ok {
			entities = append(entities, e)
		}
	}
	sortEntities(entities)
	return entities
}

// Bounds returns the area indexed by the world tree.
func (w *World) Bounds() geom.Rect {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return w.tree.Bounds()
}

// Revision returns a number that changes each time an entity is added,
// removed or moved.
func (w *World) Revision() uint64 {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return w.tree.Revision()
}

// Reindex rebuilds the world tree.
func (w *World) Reindex() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.tree.Reindex()
}

// Validate checks the structural invariants of the world tree.
func (w *World) Validate() error {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return w.tree.Validate()
}

func (w *World) PoolStats() map[string]pool.Stats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return w.tree.PoolStats()
}

// WorldStats describes the state of a world.
type WorldStats struct {
	ID           uint32             `json:"id"`
	WorldUUID    string             `json:"world_uuid"`
	Participants int                `json:"participants"`
	Entities     int                `json:"entities"`
	Tree         quadtree.DebugInfo `json:"tree"`
}

func (w *World) Stats() WorldStats {
	participants := w.ParticipantCount()

	w.mutex.RLock()
	defer w.mutex.RUnlock()

	return WorldStats{
		ID:           w.ID,
		WorldUUID:    w.WorldUUID,
		Participants: participants,
		Entities:     len(w.entities),
		Tree:         w.tree.DebugInfo(),
	}
}

func (w *World) HandleFrame(h func()) (cancel func()) {
	w.frameMutex.Lock()
	defer w.frameMutex.Unlock()

	id := w.frameHandlerIDs.New()
	w.frameHandlers[id] = h

	return func() {
		w.frameMutex.Lock()
		defer w.frameMutex.Unlock()

		if _, ok := w.frameHandlers[id]; !ok {
			return
		}
		delete(w.frameHandlers, id)
		w.frameHandlerIDs.Reuse(id)
	}
}

func (w *World) StartDispatchFrames() {
	w.startFrameOnce.Do(func() {
		for {
			select {
			case <-w.closeFrameChan:
				return

			case <-w.frameTicker.C:
				w.frameMutex.RLock()
				for _, h := range w.frameHandlers {
					h()
				}
				w.frameMutex.RUnlock()

				w.frameCount++
				if w.lazyTree && w.frameCount%reindexFrameInterval == 0 {
					w.Reindex()
				}
			}
		}
	})
}

func (w *World) entityNotFound(id uint32) error {
	return errors.New("entity not found").
		WithType(ErrTypeEntityNotFound).
		WithTag("world_id", w.ID).
		WithTag("entity_id", id)
}

func (e *Entity) addChild(id uint32) {
	if e.children == nil {
		e.children = make(map[uint32]struct{})
	}
	e.children[id] = struct{}{}
}

func areaCacheKey(revision uint64, area geom.Rect) string {
	return fmt.Sprintf("%d/%g/%g/%g/%g",
		revision,
		area.Center.X,
		area.Center.Y,
		area.HalfExtents.X,
		area.HalfExtents.Y,
	)
}

func sortEntities(entities []*Entity) {
	slices.SortFunc(entities, func(a, b *Entity) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

func sortWorlds(worlds []*World) {
	slices.SortFunc(worlds, func(a, b *World) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
