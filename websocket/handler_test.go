package websocket

import (
	"testing"
	"time"

	"github.com/aukilabs/laguz/featureflag"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/models"
	"github.com/aukilabs/laguz/quadtree"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func newTestHandler(worlds *models.WorldStore, options ...func(*RealtimeHandler)) func() Handler {
	return func() Handler {
		rh := &RealtimeHandler{
			ClientIdleTimeout: time.Minute,
			WorldOptions: models.WorldOptions{
				Tree: quadtree.DefaultOptions(
					geom.NewVec2(-500, -500),
					geom.NewVec2(1000, 1000),
				),
				FrameDuration: time.Millisecond * 10,
				AreaCacheSize: 100,
			},
			Worlds: worlds,
		}
		for _, o := range options {
			o(rh)
		}

		var h Handler = rh
		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://laguz-test.com")
		return h
	}
}

func transformAt(x, y float64) models.Transform {
	t := models.NewTransform(geom.NewVec2(1, 1))
	t.Position = geom.NewVec2(x, y)
	return t
}

func joinWorld(t *testing.T, c *TestClient, worldUUID string) WorldJoinResponse {
	c.Send(MsgTypeWorldJoin, 100, WorldJoinRequest{WorldUUID: worldUUID})

	var res WorldJoinResponse
	c.ReceiveData(MsgTypeWorldJoinResponse, 100, &res)
	require.NotEmpty(t, res.WorldUUID)
	require.NotZero(t, res.ParticipantID)
	return res
}

func addEntity(t *testing.T, c *TestClient, requestID uint32, req EntityAddRequest) models.EntitySnapshot {
	c.Send(MsgTypeEntityAdd, requestID, req)

	var res EntityAddResponse
	c.ReceiveData(MsgTypeEntityAddResponse, requestID, &res)
	require.NotZero(t, res.Entity.ID)
	return res.Entity
}

func receiveError(t *testing.T, c *TestClient, requestID uint32) ErrorCode {
	var res ErrorResponse
	c.ReceiveData(MsgTypeErrorResponse, requestID, &res)
	return res.Code
}

func TestHandlerHandlePing(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
	defer close()

	clientA.Send(MsgTypePing, 1, nil)
	msg := clientA.Receive(MsgTypePong, 1)
	require.NotNil(t, msg.Timestamp)
}

func TestHandlerHandleWorldJoin(t *testing.T) {
	t.Run("participant creates and joins a world", func(t *testing.T) {
		worlds := &models.WorldStore{}
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(worlds))
		defer close()

		resA := joinWorld(t, clientA, "")
		require.Equal(t, uint32(1), resA.ParticipantID)
		require.Equal(t, geom.NewRect(0, 0, 500, 500), resA.Bounds)
		require.Empty(t, resA.WalletAddress)

		resB := joinWorld(t, clientB, resA.WorldUUID)
		require.Equal(t, resA.WorldUUID, resB.WorldUUID)
		require.Equal(t, uint32(2), resB.ParticipantID)
		require.Equal(t, 1, worlds.Count())
	})

	t.Run("joining an unknown world returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		clientA.Send(MsgTypeWorldJoin, 1, WorldJoinRequest{WorldUUID: "unknown"})
		require.Equal(t, ErrorCodeNotFound, receiveError(t, clientA, 1))
	})

	t.Run("joining the current world returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		clientA.Send(MsgTypeWorldJoin, 2, WorldJoinRequest{WorldUUID: res.WorldUUID})
		require.Equal(t, ErrorCodeWorldAlreadyJoined, receiveError(t, clientA, 2))
	})

	t.Run("joining another world leaves the current one", func(t *testing.T) {
		worlds := &models.WorldStore{}
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(worlds))
		defer close()

		resA := joinWorld(t, clientA, "")
		resB := joinWorld(t, clientB, "")
		require.NotEqual(t, resA.WorldUUID, resB.WorldUUID)
		require.Equal(t, 2, worlds.Count())

		joinWorld(t, clientA, resB.WorldUUID)
		require.Equal(t, 1, worlds.Count())

		_, ok := worlds.GetByUUID(resA.WorldUUID)
		require.False(t, ok)
	})
}

func TestHandlerHandleEntityAdd(t *testing.T) {
	t.Run("entity is added and broadcasted", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)

		entity := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(10, 20)})
		require.Equal(t, res.ParticipantID, entity.ParticipantID)
		require.Equal(t, geom.NewRect(10, 20, 1, 1), entity.Bounds)

		var broadcast EntityBroadcast
		clientB.ReceiveData(MsgTypeEntityAddBroadcast, 0, &broadcast)
		require.Equal(t, res.ParticipantID, broadcast.ParticipantID)
		require.Equal(t, entity, broadcast.Entity)
	})

	t.Run("entity is added to a parent", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		joinWorld(t, clientA, "")
		parent := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(10, 20)})
		child := addEntity(t, clientA, 2, EntityAddRequest{
			Transform: transformAt(5, 0),
			ParentID:  parent.ID,
		})
		require.Equal(t, parent.ID, child.ParentID)
		require.Equal(t, geom.NewRect(15, 20, 1, 1), child.Bounds)
	})

	t.Run("adding an entity without joining a world returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		clientA.Send(MsgTypeEntityAdd, 1, EntityAddRequest{Transform: transformAt(0, 0)})
		require.Equal(t, ErrorCodeWorldNotJoined, receiveError(t, clientA, 1))
	})

	t.Run("adding an entity to another participant entity returns an error", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)
		parent := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})

		clientB.Send(MsgTypeEntityAdd, 2, EntityAddRequest{
			Transform: transformAt(0, 0),
			ParentID:  parent.ID,
		})
		require.Equal(t, ErrorCodeUnauthorized, receiveError(t, clientB, 2))
	})
}

func TestHandlerHandleEntityUpdate(t *testing.T) {
	t.Run("entity is moved and broadcasted", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)
		entity := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})

		transform := transformAt(-100, 200)
		clientA.Send(MsgTypeEntityUpdate, 2, EntityUpdateRequest{
			EntityID:  entity.ID,
			Transform: &transform,
		})

		var updated EntityUpdateResponse
		clientA.ReceiveData(MsgTypeEntityUpdateResponse, 2, &updated)
		require.Equal(t, geom.NewRect(-100, 200, 1, 1), updated.Entity.Bounds)

		var broadcast EntityBroadcast
		clientB.ReceiveData(MsgTypeEntityUpdateBroadcast, 0, &broadcast)
		require.Equal(t, updated.Entity, broadcast.Entity)
	})

	t.Run("entity is attached and detached", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		joinWorld(t, clientA, "")
		parent := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(100, 100)})
		entity := addEntity(t, clientA, 2, EntityAddRequest{Transform: transformAt(10, 0)})

		parentID := parent.ID
		clientA.Send(MsgTypeEntityUpdate, 3, EntityUpdateRequest{
			EntityID: entity.ID,
			ParentID: &parentID,
		})

		var attached EntityUpdateResponse
		clientA.ReceiveData(MsgTypeEntityUpdateResponse, 3, &attached)
		require.Equal(t, parent.ID, attached.Entity.ParentID)
		require.Equal(t, geom.NewRect(110, 100, 1, 1), attached.Entity.Bounds)

		noParent := uint32(0)
		clientA.Send(MsgTypeEntityUpdate, 4, EntityUpdateRequest{
			EntityID: entity.ID,
			ParentID: &noParent,
		})

		var detached EntityUpdateResponse
		clientA.ReceiveData(MsgTypeEntityUpdateResponse, 4, &detached)
		require.Zero(t, detached.Entity.ParentID)
		require.Equal(t, geom.NewRect(10, 0, 1, 1), detached.Entity.Bounds)
	})

	t.Run("attaching an entity to a descendant returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		joinWorld(t, clientA, "")
		parent := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})
		child := addEntity(t, clientA, 2, EntityAddRequest{
			Transform: transformAt(5, 0),
			ParentID:  parent.ID,
		})

		childID := child.ID
		clientA.Send(MsgTypeEntityUpdate, 3, EntityUpdateRequest{
			EntityID: parent.ID,
			ParentID: &childID,
		})
		require.Equal(t, ErrorCodeInvalidParent, receiveError(t, clientA, 3))
	})

	t.Run("failed reparenting keeps the current parent", func(t *testing.T) {
		worlds := &models.WorldStore{}
		clientA, _, close := NewTestingEnv(t, newTestHandler(worlds))
		defer close()

		res := joinWorld(t, clientA, "")
		root := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})
		x := addEntity(t, clientA, 2, EntityAddRequest{
			Transform: transformAt(5, 0),
			ParentID:  root.ID,
		})
		y := addEntity(t, clientA, 3, EntityAddRequest{
			Transform: transformAt(5, 0),
			ParentID:  x.ID,
		})

		yID := y.ID
		clientA.Send(MsgTypeEntityUpdate, 4, EntityUpdateRequest{
			EntityID: x.ID,
			ParentID: &yID,
		})
		require.Equal(t, ErrorCodeInvalidParent, receiveError(t, clientA, 4))

		world, ok := worlds.GetByUUID(res.WorldUUID)
		require.True(t, ok)
		entity, ok := world.EntityByID(x.ID)
		require.True(t, ok)
		require.Equal(t, root.ID, entity.ParentID())
		require.Equal(t, geom.NewRect(5, 0, 1, 1), entity.Bounds())
	})

	t.Run("updating another participant entity returns an error", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)
		entity := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})

		transform := transformAt(1, 1)
		clientB.Send(MsgTypeEntityUpdate, 2, EntityUpdateRequest{
			EntityID:  entity.ID,
			Transform: &transform,
		})
		require.Equal(t, ErrorCodeUnauthorized, receiveError(t, clientB, 2))
	})

	t.Run("updating an unknown entity returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		joinWorld(t, clientA, "")
		clientA.Send(MsgTypeEntityUpdate, 1, EntityUpdateRequest{EntityID: 42})
		require.Equal(t, ErrorCodeNotFound, receiveError(t, clientA, 1))
	})
}

func TestHandlerHandleEntityDelete(t *testing.T) {
	t.Run("entity and its children are deleted", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)

		parent := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})
		child := addEntity(t, clientA, 2, EntityAddRequest{
			Transform: transformAt(5, 0),
			ParentID:  parent.ID,
		})

		clientA.Send(MsgTypeEntityDelete, 3, EntityDeleteRequest{EntityID: parent.ID})

		var deleted EntityDeleteResponse
		clientA.ReceiveData(MsgTypeEntityDeleteResponse, 3, &deleted)
		require.ElementsMatch(t, []uint32{parent.ID, child.ID}, deleted.EntityIDs)

		var broadcast EntityDeleteBroadcast
		clientB.ReceiveData(MsgTypeEntityDeleteBroadcast, 0, &broadcast)
		require.ElementsMatch(t, deleted.EntityIDs, broadcast.EntityIDs)
	})

	t.Run("deleting another participant entity returns an error", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		joinWorld(t, clientB, res.WorldUUID)
		entity := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})

		clientB.Send(MsgTypeEntityDelete, 2, EntityDeleteRequest{EntityID: entity.ID})
		require.Equal(t, ErrorCodeUnauthorized, receiveError(t, clientB, 2))
	})
}

func TestHandlerHandleAreaQuery(t *testing.T) {
	t.Run("entities in the area are returned", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		inside := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(10, 10)})
		addEntity(t, clientA, 2, EntityAddRequest{Transform: transformAt(-300, 300)})

		clientA.Send(MsgTypeAreaQuery, 3, AreaQueryRequest{Area: geom.NewRect(0, 0, 50, 50)})

		var query AreaQueryResponse
		clientA.ReceiveData(MsgTypeAreaQueryResponse, 3, &query)
		require.Equal(t, res.WorldUUID, query.Snapshot.WorldUUID)
		require.Equal(t, []models.EntitySnapshot{inside}, query.Snapshot.Entities)
		require.Empty(t, query.Signature)
	})

	t.Run("signed snapshot is verified", func(t *testing.T) {
		privateKey, err := crypto.GenerateKey()
		require.NoError(t, err)
		signer := models.NewSnapshotSigner(privateKey)

		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}, func(h *RealtimeHandler) {
			h.Signer = signer
		}))
		defer close()

		res := joinWorld(t, clientA, "")
		require.Equal(t, signer.WalletAddress(), res.WalletAddress)
		addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(10, 10)})

		clientA.Send(MsgTypeAreaQuery, 2, AreaQueryRequest{
			Area:   geom.NewRect(0, 0, 50, 50),
			Signed: true,
		})

		var query AreaQueryResponse
		clientA.ReceiveData(MsgTypeAreaQueryResponse, 2, &query)
		require.Len(t, query.Snapshot.Entities, 1)

		ok, err := models.VerifySnapshot(query.Snapshot, query.Signature, res.WalletAddress)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("signed query without signer returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		joinWorld(t, clientA, "")
		clientA.Send(MsgTypeAreaQuery, 1, AreaQueryRequest{
			Area:   geom.NewRect(0, 0, 50, 50),
			Signed: true,
		})
		require.Equal(t, ErrorCodeFeatureDisabled, receiveError(t, clientA, 1))
	})
}

func TestHandlerHandleAreaWatch(t *testing.T) {
	t.Run("area state is sent when the world changes", func(t *testing.T) {
		clientA, clientB, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}))
		defer close()

		res := joinWorld(t, clientA, "")
		clientA.Send(MsgTypeAreaWatch, 1, AreaWatchRequest{Area: geom.NewRect(0, 0, 50, 50)})

		var state AreaState
		clientA.ReceiveData(MsgTypeAreaState, 1, &state)
		require.Empty(t, state.Snapshot.Entities)

		joinWorld(t, clientB, res.WorldUUID)
		entity := addEntity(t, clientB, 2, EntityAddRequest{Transform: transformAt(10, 10)})

		clientA.ReceiveData(MsgTypeAreaState, 0, &state)
		require.Equal(t, []models.EntitySnapshot{entity}, state.Snapshot.Entities)
		require.Greater(t, state.Snapshot.Revision, uint64(0))

		clientA.Send(MsgTypeAreaUnwatch, 3, nil)
		clientA.Receive(MsgTypeAreaUnwatchResponse, 3)
	})

	t.Run("watching an area when disabled returns an error", func(t *testing.T) {
		clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}, func(h *RealtimeHandler) {
			h.FeatureFlags = featureflag.New([]string{string(featureflag.FlagDisableAreaWatch)})
		}))
		defer close()

		joinWorld(t, clientA, "")
		clientA.Send(MsgTypeAreaWatch, 1, AreaWatchRequest{Area: geom.NewRect(0, 0, 50, 50)})
		require.Equal(t, ErrorCodeFeatureDisabled, receiveError(t, clientA, 1))
	})
}

func TestHandlerHandleDisconnect(t *testing.T) {
	worlds := &models.WorldStore{}
	clientA, clientB, close := NewTestingEnv(t, newTestHandler(worlds))
	defer close()

	res := joinWorld(t, clientA, "")
	entity := addEntity(t, clientA, 1, EntityAddRequest{Transform: transformAt(0, 0)})
	joinWorld(t, clientB, res.WorldUUID)

	clientA.Conn.Close()

	var broadcast EntityDeleteBroadcast
	clientB.ReceiveData(MsgTypeEntityDeleteBroadcast, 0, &broadcast)
	require.Equal(t, res.ParticipantID, broadcast.ParticipantID)
	require.Equal(t, []uint32{entity.ID}, broadcast.EntityIDs)

	clientB.Conn.Close()
	require.Eventually(t, func() bool {
		return worlds.Count() == 0
	}, time.Second, time.Millisecond*10)
}

func TestHandlerIdleTimeout(t *testing.T) {
	clientA, _, close := NewTestingEnv(t, newTestHandler(&models.WorldStore{}, func(h *RealtimeHandler) {
		h.ClientIdleTimeout = time.Millisecond * 50
	}))
	defer close()

	clientA.Conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	_, _, err := Receive(clientA.Conn)
	require.Error(t, err)
}
