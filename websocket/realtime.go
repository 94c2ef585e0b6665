package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/featureflag"
	"github.com/aukilabs/laguz/geom"
	lhttp "github.com/aukilabs/laguz/http"
	"github.com/aukilabs/laguz/models"
	"golang.org/x/net/websocket"
)

// RealtimeHandler represents a service that manages a client connection and
// relays its actions on a world in realtime.
type RealtimeHandler struct {
	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The options used to create worlds.
	WorldOptions models.WorldOptions

	// The store that contains all the server worlds.
	Worlds *models.WorldStore

	// Signs area snapshots. Signed area queries are refused when nil.
	Signer *models.SnapshotSigner

	FeatureFlags featureflag.FeatureFlag

	conn               *websocket.Conn
	currentWorld       *models.World
	currentParticipant *models.Participant

	stopFrameHandling func()

	watchedArea     *geom.Rect
	watchedRevision uint64

	clientID string
}

func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	h.clientID = conn.Request().Header.Get(lhttp.HeaderClientID)
	h.conn = conn
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	return h.respond(respond, MsgTypePong, msg.RequestID, nil)
}

func (h *RealtimeHandler) HandleWorldJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error {
	var req WorldJoinRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if h.currentWorld != nil && h.currentWorld.WorldUUID == req.WorldUUID {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldAlreadyJoined, "")
	}

	if req.WorldUUID != "" {
		if _, ok := h.Worlds.GetByUUID(req.WorldUUID); !ok {
			return h.respondError(respond, msg.RequestID, ErrorCodeNotFound, "world not found")
		}
	}

	if h.currentParticipant != nil {
		h.leaveWorld()
	}

	var world *models.World
	var participant *models.Participant

	if req.WorldUUID != "" {
		var ok bool
		// The world may have been removed since it was looked up.
		if world, participant, ok = h.Worlds.Join(req.WorldUUID, respond); !ok {
			return h.respondError(respond, msg.RequestID, ErrorCodeNotFound, "world not found")
		}
	} else {
		var err error
		if world, err = models.NewWorld(h.Worlds.NewID(), h.WorldOptions); err != nil {
			logs.WithTag(clientIDTag, h.clientID).Error(err)
			return h.respondError(respond, msg.RequestID, ErrorCodeInternalServerError, "")
		}

		// Joined before being added so that the world is never empty in the
		// store.
		participant = world.Join(respond)

		if err := h.Worlds.Add(ctx, world); err != nil {
			world.Close()
			logs.WithTag(clientIDTag, h.clientID).Error(err)
			return h.respondError(respond, msg.RequestID, ErrorCodeInternalServerError, "")
		}
		go world.StartDispatchFrames()
	}

	h.stopFrameHandling = world.HandleFrame(handleFrame)

	h.currentWorld = world
	h.currentParticipant = participant

	res := WorldJoinResponse{
		WorldUUID:     world.WorldUUID,
		WorldID:       world.ID,
		ParticipantID: participant.ID,
		Bounds:        world.Bounds(),
	}
	if h.Signer != nil {
		res.WalletAddress = h.Signer.WalletAddress()
	}
	return h.respond(respond, MsgTypeWorldJoinResponse, msg.RequestID, res)
}

func (h *RealtimeHandler) HandleDisconnect(_ error) {
	if h.currentParticipant != nil {
		h.leaveWorld()
	}
}

func (h *RealtimeHandler) HandleEntityAdd(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req EntityAddRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	participant := h.currentParticipant
	world := h.currentWorld
	if participant == nil || world == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldNotJoined, "")
	}

	if req.ParentID != 0 {
		if code, ok := h.checkOwnership(req.ParentID); !ok {
			return h.respondError(respond, msg.RequestID, code, "parent entity is not available")
		}
	}

	entity, err := world.AddEntity(participant.ID, req.Transform, req.ParentID)
	if err != nil {
		return h.respondWorldError(respond, msg.RequestID, err)
	}
	participant.AddEntity(entity)

	snapshot := entity.ToSnapshot()
	if err := h.respond(respond, MsgTypeEntityAddResponse, msg.RequestID, EntityAddResponse{
		Entity: snapshot,
	}); err != nil {
		return err
	}

	return h.broadcast(MsgTypeEntityAddBroadcast, EntityBroadcast{
		ParticipantID: participant.ID,
		Entity:        snapshot,
	})
}

func (h *RealtimeHandler) HandleEntityUpdate(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req EntityUpdateRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	participant := h.currentParticipant
	world := h.currentWorld
	if participant == nil || world == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldNotJoined, "")
	}

	if code, ok := h.checkOwnership(req.EntityID); !ok {
		return h.respondError(respond, msg.RequestID, code, "")
	}

	entity, ok := world.EntityByID(req.EntityID)
	if !ok {
		return h.respondError(respond, msg.RequestID, ErrorCodeNotFound, "")
	}

	if req.ParentID != nil && *req.ParentID != entity.ParentID() {
		if *req.ParentID != 0 {
			if code, ok := h.checkOwnership(*req.ParentID); !ok {
				return h.respondError(respond, msg.RequestID, code, "parent entity is not available")
			}
		}

		if err := world.Reparent(req.EntityID, *req.ParentID); err != nil {
			return h.respondWorldError(respond, msg.RequestID, err)
		}
	}

	if req.Transform != nil {
		if err := world.SetTransform(req.EntityID, *req.Transform); err != nil {
			return h.respondWorldError(respond, msg.RequestID, err)
		}
	}

	snapshot := entity.ToSnapshot()

	// Updates without request id are not acknowledged.
	if msg.RequestID != 0 {
		if err := h.respond(respond, MsgTypeEntityUpdateResponse, msg.RequestID, EntityUpdateResponse{
			Entity: snapshot,
		}); err != nil {
			return err
		}
	}

	return h.broadcast(MsgTypeEntityUpdateBroadcast, EntityBroadcast{
		ParticipantID: participant.ID,
		Entity:        snapshot,
	})
}

func (h *RealtimeHandler) HandleEntityDelete(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req EntityDeleteRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	participant := h.currentParticipant
	world := h.currentWorld
	if participant == nil || world == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldNotJoined, "")
	}

	if code, ok := h.checkOwnership(req.EntityID); !ok {
		return h.respondError(respond, msg.RequestID, code, "")
	}

	ids, err := world.RemoveEntity(req.EntityID)
	if err != nil {
		return h.respondWorldError(respond, msg.RequestID, err)
	}
	for _, id := range ids {
		participant.RemoveEntity(id)
	}

	if err := h.respond(respond, MsgTypeEntityDeleteResponse, msg.RequestID, EntityDeleteResponse{
		EntityIDs: ids,
	}); err != nil {
		return err
	}

	return h.broadcast(MsgTypeEntityDeleteBroadcast, EntityDeleteBroadcast{
		ParticipantID: participant.ID,
		EntityIDs:     ids,
	})
}

func (h *RealtimeHandler) HandleAreaQuery(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req AreaQueryRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	world := h.currentWorld
	if world == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldNotJoined, "")
	}

	if req.Signed && h.Signer == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeFeatureDisabled, "snapshot signing is not enabled")
	}

	res := AreaQueryResponse{
		Snapshot: world.Snapshot(req.Area),
	}

	if req.Signed {
		signature, err := h.Signer.Sign(res.Snapshot)
		if err != nil {
			logs.WithTag(clientIDTag, h.clientID).
				WithTag("world_uuid", world.WorldUUID).
				Error(err)
			return h.respondError(respond, msg.RequestID, ErrorCodeInternalServerError, "")
		}
		res.Signature = signature
	}

	return h.respond(respond, MsgTypeAreaQueryResponse, msg.RequestID, res)
}

func (h *RealtimeHandler) HandleAreaWatch(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req AreaWatchRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if h.FeatureFlags.Has(featureflag.FlagDisableAreaWatch) {
		return h.respondError(respond, msg.RequestID, ErrorCodeFeatureDisabled, "area watching is not enabled")
	}

	world := h.currentWorld
	if world == nil {
		return h.respondError(respond, msg.RequestID, ErrorCodeWorldNotJoined, "")
	}

	area := req.Area
	h.watchedArea = &area

	snapshot := world.Snapshot(area)
	h.watchedRevision = snapshot.Revision
	return h.respond(respond, MsgTypeAreaState, msg.RequestID, AreaState{
		Snapshot: snapshot,
	})
}

func (h *RealtimeHandler) HandleAreaUnwatch(ctx context.Context, respond ResponseSender, msg Msg) error {
	h.watchedArea = nil
	h.watchedRevision = 0
	return h.respond(respond, MsgTypeAreaUnwatchResponse, msg.RequestID, nil)
}

// HandleFrame sends the state of the watched area when the world changed since
// the last sent state.
func (h *RealtimeHandler) HandleFrame(ctx context.Context, respond ResponseSender) error {
	world := h.currentWorld
	if world == nil || h.watchedArea == nil {
		return nil
	}

	if world.Revision() == h.watchedRevision {
		return nil
	}

	snapshot := world.Snapshot(*h.watchedArea)
	h.watchedRevision = snapshot.Revision
	return h.respond(respond, MsgTypeAreaState, 0, AreaState{
		Snapshot: snapshot,
	})
}

func (h *RealtimeHandler) Receiver() Receiver {
	return func() (Msg, int, error) {
		return Receive(h.conn)
	}
}

func (h *RealtimeHandler) Sender() Sender {
	return func(msg Msg) (int, error) {
		return Send(h.conn, msg)
	}
}

func (h *RealtimeHandler) Close() {
}

func (h *RealtimeHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *RealtimeHandler) GetWorlds() *models.WorldStore {
	return h.Worlds
}

func (h *RealtimeHandler) CurrentWorld() *models.World {
	return h.currentWorld
}

func (h *RealtimeHandler) CurrentParticipant() *models.Participant {
	return h.currentParticipant
}

func (h *RealtimeHandler) GetClientID() string {
	return h.clientID
}

// checkOwnership reports whether the entity exists in the current world and
// belongs to the current participant.
func (h *RealtimeHandler) checkOwnership(entityID uint32) (ErrorCode, bool) {
	entity, ok := h.currentWorld.EntityByID(entityID)
	if !ok {
		return ErrorCodeNotFound, false
	}
	if entity.ParticipantID != h.currentParticipant.ID {
		return ErrorCodeUnauthorized, false
	}
	return "", true
}

func (h *RealtimeHandler) leaveWorld() {
	world := h.currentWorld
	participant := h.currentParticipant

	if participant == nil || world == nil {
		return
	}

	if h.stopFrameHandling != nil {
		h.stopFrameHandling()
		h.stopFrameHandling = nil
	}

	var removed []uint32
	for id := range participant.EntityIDs() {
		// Entities attached to a removed entity are already gone.
		ids, err := world.RemoveEntity(id)
		if err != nil && errors.IsType(err, models.ErrTypeEntityNotFound) {
			continue
		} else if err != nil {
			logs.WithTag(clientIDTag, h.clientID).
				WithTag("world_uuid", world.WorldUUID).
				Warn(err)
			continue
		}
		removed = append(removed, ids...)
	}

	world.RemoveParticipant(participant)

	if len(removed) != 0 {
		if err := h.broadcast(MsgTypeEntityDeleteBroadcast, EntityDeleteBroadcast{
			ParticipantID: participant.ID,
			EntityIDs:     removed,
		}); err != nil {
			logs.WithTag(clientIDTag, h.clientID).Warn(err)
		}
	}

	h.Worlds.RemoveIfEmpty(context.Background(), world)

	h.currentWorld = nil
	h.currentParticipant = nil
	h.watchedArea = nil
	h.watchedRevision = 0
}

func (h *RealtimeHandler) respond(respond ResponseSender, t MsgType, requestID uint32, data any) error {
	msg, err := NewMsg(t, requestID, data)
	if err != nil {
		return err
	}
	respond.Send(msg)
	return nil
}

func (h *RealtimeHandler) respondError(respond ResponseSender, requestID uint32, code ErrorCode, message string) error {
	return h.respond(respond, MsgTypeErrorResponse, requestID, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// respondWorldError reports an error returned by a world operation to the
// client.
func (h *RealtimeHandler) respondWorldError(respond ResponseSender, requestID uint32, err error) error {
	switch errors.Type(err) {
	case models.ErrTypeEntityNotFound:
		return h.respondError(respond, requestID, ErrorCodeNotFound, "")

	case models.ErrTypeEntityAlreadyAttached:
		return h.respondError(respond, requestID, ErrorCodeAlreadyAttached, "")

	case models.ErrTypeInvalidParent:
		return h.respondError(respond, requestID, ErrorCodeInvalidParent, "")

	default:
		logs.WithTag(clientIDTag, h.clientID).
			WithTag("world_uuid", h.currentWorld.WorldUUID).
			Error(err)
		return h.respondError(respond, requestID, ErrorCodeInternalServerError, "")
	}
}

func (h *RealtimeHandler) broadcast(t MsgType, data any) error {
	if h.FeatureFlags.Has(featureflag.FlagDisableEntityBroadcast) {
		return nil
	}

	msg, err := NewMsg(t, 0, data)
	if err != nil {
		return err
	}
	h.currentWorld.Broadcast(h.currentParticipant, msg)
	return nil
}
