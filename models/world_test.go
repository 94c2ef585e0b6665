package models

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/quadtree"
	"github.com/stretchr/testify/require"
)

type responder struct {
	mutex sync.Mutex
	msgs  []any
}

func (r *responder) Send(msg any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.msgs = append(r.msgs, msg)
}

func (r *responder) messages() []any {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.msgs
}

func newTestWorld(t *testing.T, opts WorldOptions) *World {
	if opts.Tree.MaxEntries == 0 {
		opts.Tree = quadtree.DefaultOptions(
			geom.NewVec2(-500, -500),
			geom.NewVec2(1000, 1000),
		)
	}

	w, err := NewWorld(42, opts)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func transformAt(x, y float64) Transform {
	t := NewTransform(geom.NewVec2(1, 1))
	t.Position = geom.NewVec2(x, y)
	return t
}

func TestNewWorld(t *testing.T) {
	t.Run("world is created", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})
		require.Equal(t, uint32(42), w.ID)
		require.NotEmpty(t, w.WorldUUID)
		require.Zero(t, w.EntityCount())
	})

	t.Run("invalid tree options return an error", func(t *testing.T) {
		_, err := NewWorld(42, WorldOptions{
			Tree: quadtree.Options{MaxEntries: 1},
		})
		require.Error(t, err)
	})
}

func TestWorldParticipants(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})

	p1 := &Participant{ID: w.NewParticipantID(), Responder: &responder{}}
	p2 := &Participant{ID: w.NewParticipantID(), Responder: &responder{}}
	w.AddParticipant(p1)
	w.AddParticipant(p2)
	require.Equal(t, 2, w.ParticipantCount())
	require.Len(t, w.GetParticipants(), 2)

	t.Run("broadcast skips the sender", func(t *testing.T) {
		w.Broadcast(p1, "hello")
		require.Empty(t, p1.Responder.(*responder).messages())
		require.Equal(t, []any{"hello"}, p2.Responder.(*responder).messages())
	})

	t.Run("removed participant id is reused", func(t *testing.T) {
		w.RemoveParticipant(p1)
		require.Equal(t, 1, w.ParticipantCount())
		require.Equal(t, p1.ID, w.NewParticipantID())
	})
}

func TestWorldAddEntity(t *testing.T) {
	t.Run("entity is indexed", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		e, err := w.AddEntity(1, transformAt(10, 20), 0)
		require.NoError(t, err)
		require.Equal(t, uint32(1), e.ID)
		require.Equal(t, uint32(1), e.ParticipantID)
		require.Equal(t, geom.NewRect(10, 20, 1, 1), e.Bounds())

		got, ok := w.EntityByID(e.ID)
		require.True(t, ok)
		require.Same(t, e, got)

		ids := w.QueryArea(geom.NewRect(10, 20, 5, 5), nil)
		require.Equal(t, []uint32{e.ID}, ids)
		require.NoError(t, w.Validate())
	})

	t.Run("entity with a parent is positioned relative to it", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		parent, err := w.AddEntity(1, transformAt(100, 100), 0)
		require.NoError(t, err)

		child, err := w.AddEntity(1, transformAt(10, 0), parent.ID)
		require.NoError(t, err)
		require.Equal(t, parent.ID, child.ParentID())
		require.True(t, child.AbsTransform().Position.Equal(geom.NewVec2(110, 100)))
		require.True(t, child.Transform().Position.Equal(geom.NewVec2(10, 0)))
	})

	t.Run("entity with an unknown parent returns an error", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		_, err := w.AddEntity(1, transformAt(0, 0), 21)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
		require.Zero(t, w.EntityCount())
	})
}

func TestWorldRemoveEntity(t *testing.T) {
	t.Run("entity and descendants are removed", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		root, err := w.AddEntity(1, transformAt(0, 0), 0)
		require.NoError(t, err)
		child, err := w.AddEntity(1, transformAt(5, 0), root.ID)
		require.NoError(t, err)
		grandChild, err := w.AddEntity(1, transformAt(5, 0), child.ID)
		require.NoError(t, err)
		other, err := w.AddEntity(2, transformAt(-50, -50), 0)
		require.NoError(t, err)

		removed, err := w.RemoveEntity(root.ID)
		require.NoError(t, err)
		require.ElementsMatch(t, []uint32{root.ID, child.ID, grandChild.ID}, removed)
		require.Equal(t, 1, w.EntityCount())

		ids := w.QueryArea(w.tree.Bounds(), nil)
		require.Equal(t, []uint32{other.ID}, ids)
		require.NoError(t, w.Validate())
	})

	t.Run("removing a child detaches it from its parent", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		parent, err := w.AddEntity(1, transformAt(0, 0), 0)
		require.NoError(t, err)
		child, err := w.AddEntity(1, transformAt(5, 0), parent.ID)
		require.NoError(t, err)

		_, err = w.RemoveEntity(child.ID)
		require.NoError(t, err)
		require.Empty(t, parent.children)
	})

	t.Run("removing an unknown entity returns an error", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		_, err := w.RemoveEntity(42)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
	})
}

func TestWorldSetTransform(t *testing.T) {
	t.Run("entity is moved", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		e, err := w.AddEntity(1, transformAt(10, 10), 0)
		require.NoError(t, err)
		revision := w.Revision()

		err = w.SetTransform(e.ID, transformAt(-200, 300))
		require.NoError(t, err)
		require.Greater(t, w.Revision(), revision)
		require.Equal(t, geom.NewRect(-200, 300, 1, 1), e.Bounds())

		require.Empty(t, w.QueryArea(geom.NewRect(10, 10, 5, 5), nil))
		require.Equal(t, []uint32{e.ID}, w.QueryArea(geom.NewRect(-200, 300, 5, 5), nil))
		require.NoError(t, w.Validate())
	})

	t.Run("descendants follow their parent", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		parent, err := w.AddEntity(1, transformAt(100, 100), 0)
		require.NoError(t, err)
		child, err := w.AddEntity(1, transformAt(10, 0), parent.ID)
		require.NoError(t, err)

		rotated := transformAt(100, 100)
		rotated.Rotation = math.Pi / 2
		err = w.SetTransform(parent.ID, rotated)
		require.NoError(t, err)

		abs := child.AbsTransform()
		require.True(t, abs.Position.EqualWithEpsilon(geom.NewVec2(100, 110), 0.0001))
		require.InDelta(t, math.Pi/2, abs.Rotation, 0.0001)

		ids := w.QueryArea(geom.NewRect(100, 110, 0.5, 0.5), nil)
		require.Equal(t, []uint32{child.ID}, ids)
	})

	t.Run("moving an unknown entity returns an error", func(t *testing.T) {
		w := newTestWorld(t, WorldOptions{})

		err := w.SetTransform(42, transformAt(0, 0))
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
	})
}

func TestWorldAttachTo(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})

	a, err := w.AddEntity(1, transformAt(10, 10), 0)
	require.NoError(t, err)
	b, err := w.AddEntity(1, transformAt(5, 0), 0)
	require.NoError(t, err)
	c, err := w.AddEntity(1, transformAt(5, 0), b.ID)
	require.NoError(t, err)

	t.Run("entity cannot be attached to itself", func(t *testing.T) {
		err := w.AttachTo(a.ID, a.ID)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidParent))
	})

	t.Run("entity cannot be attached to a descendant", func(t *testing.T) {
		err := w.Detach(a.ID)
		require.NoError(t, err)

		err = w.AttachTo(b.ID, c.ID)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidParent))
		require.Zero(t, b.ParentID())
		require.Equal(t, b.ID, c.ParentID())
	})

	t.Run("attached entity moves with its parent", func(t *testing.T) {
		err := w.AttachTo(b.ID, a.ID)
		require.NoError(t, err)
		require.Equal(t, a.ID, b.ParentID())
		require.True(t, b.AbsTransform().Position.Equal(geom.NewVec2(15, 10)))
		require.True(t, c.AbsTransform().Position.Equal(geom.NewVec2(20, 10)))
		require.NoError(t, w.Validate())
	})

	t.Run("entity cannot be attached twice", func(t *testing.T) {
		err := w.AttachTo(b.ID, a.ID)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityAlreadyAttached))
	})

	t.Run("attaching to an unknown parent returns an error", func(t *testing.T) {
		err := w.AttachTo(a.ID, 42)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
	})

	t.Run("detached entity is positioned relative to the world", func(t *testing.T) {
		err := w.Detach(b.ID)
		require.NoError(t, err)
		require.Zero(t, b.ParentID())
		require.True(t, b.AbsTransform().Position.Equal(geom.NewVec2(5, 0)))
		require.True(t, c.AbsTransform().Position.Equal(geom.NewVec2(10, 0)))
		require.NoError(t, w.Validate())
	})
}

func TestWorldReparent(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})

	root, err := w.AddEntity(1, transformAt(0, 0), 0)
	require.NoError(t, err)
	x, err := w.AddEntity(1, transformAt(5, 0), root.ID)
	require.NoError(t, err)
	y, err := w.AddEntity(1, transformAt(5, 0), x.ID)
	require.NoError(t, err)
	other, err := w.AddEntity(1, transformAt(50, 50), 0)
	require.NoError(t, err)

	t.Run("reparenting to a descendant leaves the hierarchy untouched", func(t *testing.T) {
		revision := w.Revision()

		err := w.Reparent(x.ID, y.ID)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidParent))

		require.Equal(t, root.ID, x.ParentID())
		require.Equal(t, x.ID, y.ParentID())
		require.True(t, x.AbsTransform().Position.Equal(geom.NewVec2(5, 0)))
		require.Equal(t, geom.NewRect(5, 0, 1, 1), x.Bounds())
		require.Equal(t, revision, w.Revision())
		require.NoError(t, w.Validate())
	})

	t.Run("reparenting to an unknown entity leaves the hierarchy untouched", func(t *testing.T) {
		err := w.Reparent(x.ID, 42)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeEntityNotFound))
		require.Equal(t, root.ID, x.ParentID())
	})

	t.Run("entity is moved to another parent", func(t *testing.T) {
		err := w.Reparent(x.ID, other.ID)
		require.NoError(t, err)
		require.Equal(t, other.ID, x.ParentID())
		require.True(t, x.AbsTransform().Position.Equal(geom.NewVec2(55, 50)))
		require.True(t, y.AbsTransform().Position.Equal(geom.NewVec2(60, 50)))

		ids := w.QueryArea(geom.NewRect(0, 0, 2, 2), nil)
		require.Equal(t, []uint32{root.ID}, ids)
		require.NoError(t, w.Validate())
	})

	t.Run("reparenting to no parent detaches the entity", func(t *testing.T) {
		err := w.Reparent(x.ID, 0)
		require.NoError(t, err)
		require.Zero(t, x.ParentID())
		require.True(t, y.AbsTransform().Position.Equal(geom.NewVec2(10, 0)))

		removed, err := w.RemoveEntity(other.ID)
		require.NoError(t, err)
		require.Equal(t, []uint32{other.ID}, removed)
	})
}

func TestWorldQueryEntities(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})

	for i := 0; i < 50; i++ {
		_, err := w.AddEntity(1, transformAt(float64(i*10)-250, 0), 0)
		require.NoError(t, err)
	}

	entities := w.QueryEntities(geom.NewRect(-250, 0, 25, 5))
	require.Len(t, entities, 3)
	for i, e := range entities {
		require.Equal(t, uint32(i+1), e.ID)
	}
	require.Len(t, w.Entities(), 50)
}

func TestWorldAreaCache(t *testing.T) {
	w := newTestWorld(t, WorldOptions{AreaCacheSize: 100})

	e, err := w.AddEntity(1, transformAt(0, 0), 0)
	require.NoError(t, err)

	area := geom.NewRect(0, 0, 10, 10)
	require.Equal(t, []uint32{e.ID}, w.QueryArea(area, nil))
	w.areaCache.Wait()

	cached, ok := w.areaCache.Get(areaCacheKey(w.Revision(), area))
	require.True(t, ok)
	require.Equal(t, []uint32{e.ID}, cached)

	t.Run("cached results are appended", func(t *testing.T) {
		out := w.QueryArea(area, []uint32{42})
		require.Equal(t, []uint32{42, e.ID}, out)
	})

	t.Run("mutations invalidate cached results", func(t *testing.T) {
		err := w.SetTransform(e.ID, transformAt(100, 100))
		require.NoError(t, err)
		require.Empty(t, w.QueryArea(area, nil))
	})
}

func TestWorldSnapshot(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})

	e, err := w.AddEntity(7, transformAt(0, 0), 0)
	require.NoError(t, err)

	area := geom.NewRect(0, 0, 10, 10)
	snapshot := w.Snapshot(area)
	require.Equal(t, w.WorldUUID, snapshot.WorldUUID)
	require.Equal(t, w.Revision(), snapshot.Revision)
	require.Equal(t, area, snapshot.Area)
	require.NotNil(t, snapshot.CreatedAt)
	require.Equal(t, []EntitySnapshot{e.ToSnapshot()}, snapshot.Entities)
}

func TestWorldStats(t *testing.T) {
	w := newTestWorld(t, WorldOptions{})
	w.AddParticipant(&Participant{ID: w.NewParticipantID()})

	for i := 0; i < 20; i++ {
		_, err := w.AddEntity(1, transformAt(float64(i*10)-100, float64(i*10)-100), 0)
		require.NoError(t, err)
	}

	stats := w.Stats()
	require.Equal(t, w.ID, stats.ID)
	require.Equal(t, w.WorldUUID, stats.WorldUUID)
	require.Equal(t, 1, stats.Participants)
	require.Equal(t, 20, stats.Entities)
	require.Equal(t, 20, stats.Tree.Entries)
	require.Equal(t, w.WorldUUID, stats.Tree.Name)
	require.Equal(t, 20, w.PoolStats()["entries"].Used)
}

func TestWorldReindex(t *testing.T) {
	opts := quadtree.DefaultOptions(geom.NewVec2(-500, -500), geom.NewVec2(1000, 1000))
	opts.Collapse = quadtree.CollapseLazy
	w := newTestWorld(t, WorldOptions{Tree: opts})

	var ids []uint32
	for i := 0; i < 40; i++ {
		e, err := w.AddEntity(1, transformAt(float64(i*20)-400, float64(i*20)-400), 0)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	for _, id := range ids[:35] {
		_, err := w.RemoveEntity(id)
		require.NoError(t, err)
	}

	before := w.PoolStats()["nodes"].Used
	w.Reindex()
	require.Less(t, w.PoolStats()["nodes"].Used, before)
	require.NoError(t, w.Validate())
	require.Len(t, w.QueryArea(w.tree.Bounds(), nil), 5)
}

func TestWorldHandleFrame(t *testing.T) {
	w := newTestWorld(t, WorldOptions{FrameDuration: time.Millisecond})
	go w.StartDispatchFrames()

	frames := make(chan struct{}, 1)
	cancel := w.HandleFrame(func() {
		select {
		case frames <- struct{}{}:
		default:
		}
	})

	select {
	case <-frames:
	case <-time.After(time.Second):
		require.Fail(t, "no frame dispatched")
	}

	cancel()
	cancel()

	w.frameMutex.RLock()
	defer w.frameMutex.RUnlock()
	require.Empty(t, w.frameHandlers)
}
