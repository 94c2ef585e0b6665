package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/models"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64
)

// Handler represents a realtime world handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to join a world. handleFrame is called at each frame
	// of the joined world.
	HandleWorldJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error

	// Handles a request to create an entity.
	HandleEntityAdd(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to move, attach or detach an entity.
	HandleEntityUpdate(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to delete an entity and the entities attached to it.
	HandleEntityDelete(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to get the entities located in an area.
	HandleAreaQuery(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to receive the state of an area each time it
	// changes.
	HandleAreaWatch(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to stop watching an area.
	HandleAreaUnwatch(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a frame of the joined world.
	HandleFrame(ctx context.Context, respond ResponseSender) error

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender passed in service methods in order to send
	// messages.
	Sender() Sender

	// Closes the service and releases its allocated resources.
	Close()

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	// Returns the world store.
	GetWorlds() *models.WorldStore

	// The currently joined world.
	CurrentWorld() *models.World

	// The current participant.
	CurrentParticipant() *models.Participant

	GetClientID() string
}

// Handle handles the given service.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The realtime handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	frameChan      chan struct{}
	done           <-chan struct{}
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.done = ctx.Done()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	h.frameChan = make(chan struct{}, 1)

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	responder := responseSender{
		clientID: h.Handler.GetClientID(),
		send:     h.send,
	}

	disconnected := false

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case <-h.frameChan:
			if err := h.Handler.HandleFrame(ctx, responder); err != nil {
				h.disconnect(errors.New("handling frame failed").Wrap(err))
			}

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").
					WithTag("msg_type", msg.Type).
					Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			disconnected = true
			if ctx.Err() == nil {
				// cancel context so go routines can cleanly exit
				cancel()
			}
		}
	}

	if !disconnected {
		h.handleDisconnect(ctx.Err())
	}
	wg.Wait()
}

// handleFrame is called from the world frame loop. Frames that are not handled
// yet are coalesced.
func (h *handler) handleFrame() {
	select {
	case h.frameChan <- struct{}{}:
	default:
	}
}

// send queues msg. Messages sent after the connection is closed are dropped.
func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:
	case <-h.done:
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		msg, _, err := h.receiver()
		if err != nil {
			h.disconnect(errors.New("receiving message failed").Wrap(err))
			return
		}

		select {
		case <-ctx.Done():
			return

		case h.receiveChan <- msg:
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	switch msg.Type {
	case MsgTypePing:
		return h.Handler.HandlePing(ctx, responder, msg)

	case MsgTypeWorldJoin:
		return h.Handler.HandleWorldJoin(ctx, h.handleFrame, responder, msg)

	case MsgTypeEntityAdd:
		return h.Handler.HandleEntityAdd(ctx, responder, msg)

	case MsgTypeEntityUpdate:
		return h.Handler.HandleEntityUpdate(ctx, responder, msg)

	case MsgTypeEntityDelete:
		return h.Handler.HandleEntityDelete(ctx, responder, msg)

	case MsgTypeAreaQuery:
		return h.Handler.HandleAreaQuery(ctx, responder, msg)

	case MsgTypeAreaWatch:
		return h.Handler.HandleAreaWatch(ctx, responder, msg)

	case MsgTypeAreaUnwatch:
		return h.Handler.HandleAreaUnwatch(ctx, responder, msg)

	default:
		logs.WithTag("msg_type", msg.Type).
			WithClientID(h.Handler.GetClientID()).
			Debug("unhandled message type")
		return nil
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

// responseSender queues messages to the connection send loop. It is also the
// responder of the participant created by the connection, which lets other
// connections broadcast to it.
type responseSender struct {
	clientID string
	send     func(Msg)
}

func (r responseSender) Send(v any) {
	msg, ok := v.(Msg)
	if !ok {
		logs.WithTag("message", v).
			WithClientID(r.clientID).
			Warn(errors.New("sending a message that is not a websocket message"))
		return
	}
	r.send(msg)
}
