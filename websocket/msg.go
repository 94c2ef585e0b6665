package websocket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/models"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	ErrTypeMsgInvalid = "msg_invalid"
	ErrTypeMsgEncode  = "msg_encode"
)

type MsgType string

const (
	MsgTypePing                  MsgType = "ping"
	MsgTypePong                  MsgType = "pong"
	MsgTypeWorldJoin             MsgType = "world_join"
	MsgTypeWorldJoinResponse     MsgType = "world_join_response"
	MsgTypeEntityAdd             MsgType = "entity_add"
	MsgTypeEntityAddResponse     MsgType = "entity_add_response"
	MsgTypeEntityAddBroadcast    MsgType = "entity_add_broadcast"
	MsgTypeEntityUpdate          MsgType = "entity_update"
	MsgTypeEntityUpdateResponse  MsgType = "entity_update_response"
	MsgTypeEntityUpdateBroadcast MsgType = "entity_update_broadcast"
	MsgTypeEntityDelete          MsgType = "entity_delete"
	MsgTypeEntityDeleteResponse  MsgType = "entity_delete_response"
	MsgTypeEntityDeleteBroadcast MsgType = "entity_delete_broadcast"
	MsgTypeAreaQuery             MsgType = "area_query"
	MsgTypeAreaQueryResponse     MsgType = "area_query_response"
	MsgTypeAreaWatch             MsgType = "area_watch"
	MsgTypeAreaUnwatch           MsgType = "area_unwatch"
	MsgTypeAreaUnwatchResponse   MsgType = "area_unwatch_response"
	MsgTypeAreaState             MsgType = "area_state"
	MsgTypeErrorResponse         MsgType = "error_response"
)

var msgTypes = map[MsgType]struct{}{
	MsgTypePing:                  {},
	MsgTypePong:                  {},
	MsgTypeWorldJoin:             {},
	MsgTypeWorldJoinResponse:     {},
	MsgTypeEntityAdd:             {},
	MsgTypeEntityAddResponse:     {},
	MsgTypeEntityAddBroadcast:    {},
	MsgTypeEntityUpdate:          {},
	MsgTypeEntityUpdateResponse:  {},
	MsgTypeEntityUpdateBroadcast: {},
	MsgTypeEntityDelete:          {},
	MsgTypeEntityDeleteResponse:  {},
	MsgTypeEntityDeleteBroadcast: {},
	MsgTypeAreaQuery:             {},
	MsgTypeAreaQueryResponse:     {},
	MsgTypeAreaWatch:             {},
	MsgTypeAreaUnwatch:           {},
	MsgTypeAreaUnwatchResponse:   {},
	MsgTypeAreaState:             {},
	MsgTypeErrorResponse:         {},
}

type ErrorCode string

const (
	ErrorCodeBadRequest          ErrorCode = "bad_request"
	ErrorCodeWorldNotJoined      ErrorCode = "world_not_joined"
	ErrorCodeWorldAlreadyJoined  ErrorCode = "world_already_joined"
	ErrorCodeNotFound            ErrorCode = "not_found"
	ErrorCodeUnauthorized        ErrorCode = "unauthorized"
	ErrorCodeInvalidParent       ErrorCode = "invalid_parent"
	ErrorCodeAlreadyAttached     ErrorCode = "already_attached"
	ErrorCodeFeatureDisabled     ErrorCode = "feature_disabled"
	ErrorCodeInternalServerError ErrorCode = "internal_server_error"
)

// Msg is the envelope of every message exchanged with a client.
type Msg struct {
	Type      MsgType                `json:"type"`
	RequestID uint32                 `json:"request_id,omitempty"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
}

// NewMsg returns a timestamped message carrying the JSON encoding of data.
func NewMsg(t MsgType, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      t,
		RequestID: requestID,
		Timestamp: timestamppb.Now(),
	}

	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithType(ErrTypeMsgEncode).
			WithTag("msg_type", t).
			Wrap(err)
	}
	msg.Data = raw
	return msg, nil
}

// DataTo decodes the message data into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeMsgInvalid).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

// TypeString returns the message type, or "unknown" when the type is not part
// of the protocol.
func (m Msg) TypeString() string {
	if _, ok := msgTypes[m.Type]; !ok {
		return "unknown"
	}
	return string(m.Type)
}

// Receiver receives a message. It also returns the number of bytes read.
type Receiver func() (Msg, int, error)

// Sender sends a message. It returns the number of bytes written.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to be sent to a connected client.
type ResponseSender interface {
	Send(msg any)
}

// Receive reads a JSON message from conn.
func Receive(conn *websocket.Conn) (Msg, int, error) {
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		return Msg{}, 0, err
	}

	var msg Msg
	if err := json.Unmarshal(data, &msg); err != nil {
		return Msg{}, len(data), errors.New("decoding message failed").
			WithType(ErrTypeMsgInvalid).
			Wrap(err)
	}
	return msg, len(data), nil
}

// Send writes msg to conn as a JSON text frame.
func Send(conn *websocket.Conn, msg Msg) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, errors.New("encoding message failed").
			WithType(ErrTypeMsgEncode).
			WithTag("msg_type", msg.Type).
			Wrap(err)
	}

	if err := websocket.Message.Send(conn, string(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

type WorldJoinRequest struct {
	// The world to join. A new world is created when empty.
	WorldUUID string `json:"world_uuid,omitempty"`
}

type WorldJoinResponse struct {
	WorldUUID     string    `json:"world_uuid"`
	WorldID       uint32    `json:"world_id"`
	ParticipantID uint32    `json:"participant_id"`
	Bounds        geom.Rect `json:"bounds"`

	// The address of the wallet signing area snapshots.
	WalletAddress string `json:"wallet_address,omitempty"`
}

type EntityAddRequest struct {
	Transform models.Transform `json:"transform"`
	ParentID  uint32           `json:"parent_id,omitempty"`
}

type EntityAddResponse struct {
	Entity models.EntitySnapshot `json:"entity"`
}

// EntityUpdateRequest changes the transform or the parent of an entity. A
// parent id of 0 detaches the entity.
type EntityUpdateRequest struct {
	EntityID  uint32            `json:"entity_id"`
	Transform *models.Transform `json:"transform,omitempty"`
	ParentID  *uint32           `json:"parent_id,omitempty"`
}

type EntityUpdateResponse struct {
	Entity models.EntitySnapshot `json:"entity"`
}

type EntityBroadcast struct {
	ParticipantID uint32                `json:"participant_id"`
	Entity        models.EntitySnapshot `json:"entity"`
}

type EntityDeleteRequest struct {
	EntityID uint32 `json:"entity_id"`
}

type EntityDeleteResponse struct {
	EntityIDs []uint32 `json:"entity_ids"`
}

type EntityDeleteBroadcast struct {
	ParticipantID uint32   `json:"participant_id"`
	EntityIDs     []uint32 `json:"entity_ids"`
}

type AreaQueryRequest struct {
	Area geom.Rect `json:"area"`

	// Requests the snapshot to be signed by the server wallet.
	Signed bool `json:"signed,omitempty"`
}

type AreaQueryResponse struct {
	Snapshot  models.AreaSnapshot `json:"snapshot"`
	Signature string              `json:"signature,omitempty"`
}

type AreaWatchRequest struct {
	Area geom.Rect `json:"area"`
}

type AreaState struct {
	Snapshot models.AreaSnapshot `json:"snapshot"`
}
