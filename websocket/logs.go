package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	clientIDTag      = "client_id"
	worldUUIDTag     = "world_uuid"
	participantIDTag = "participant_id"
)

func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	// Summaries are only logged on close when the interval is not positive.
	if summaryInterval > 0 {
		go handler.startSummaryWorker(ctx)
	}
	return handler
}

type handlerWithLogs struct {
	Handler

	originalRequest *http.Request

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]int

	// Read by the receiving and sending goroutines.
	stateMutex    sync.RWMutex
	worldUUID     string
	participantID uint32
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)

	h.originalRequest = conn.Request()

	logs.WithTag(clientIDTag, h.GetClientID()).
		WithTag("user_agent", h.originalRequest.UserAgent()).
		Info("new client is connected")
}

func (h *handlerWithLogs) HandleWorldJoin(ctx context.Context, handleFrame func(), respond ResponseSender, msg Msg) error {
	if err := h.Handler.HandleWorldJoin(ctx, handleFrame, respond, msg); err != nil {
		return err
	}

	world := h.CurrentWorld()
	participant := h.CurrentParticipant()
	if world == nil || participant == nil {
		var req WorldJoinRequest
		// Decoding already succeeded in the wrapped handler.
		msg.DataTo(&req)

		logs.WithTag(clientIDTag, h.GetClientID()).
			WithTag(worldUUIDTag, req.WorldUUID).
			WithTag("request_id", msg.RequestID).
			Info("participant failed to join a world")
		return nil
	}

	h.stateMutex.Lock()
	h.worldUUID = world.WorldUUID
	h.participantID = participant.ID
	h.stateMutex.Unlock()

	logs.WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldUUIDTag, world.WorldUUID).
		WithTag(participantIDTag, participant.ID).
		WithTag("x_forwarded_for", h.originalRequest.Header.Get("X-Forwarded-For")).
		Info("participant joined a world")
	return nil
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	worldUUID, participantID := h.state()
	entry := logs.WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldUUIDTag, worldUUID).
		WithTag(participantIDTag, participantID)

	if err != nil && !isClosedConnErr(err) {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("client disconnected")
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		worldUUID, participantID := h.state()

		if err != nil && !isClosedConnErr(err) {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldUUIDTag, worldUUID).
				WithTag(participantIDTag, participantID).
				Error(errors.New("receiving message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldUUIDTag, worldUUID).
				WithTag(participantIDTag, participantID).
				WithTag("msg_type", msg.TypeString()).
				Debug("message received")
			h.incCounter(msg.TypeString())
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	sender := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		msgType := msg.TypeString()
		worldUUID, participantID := h.state()

		n, err := sender(msg)
		if err != nil && !isClosedConnErr(err) {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldUUIDTag, worldUUID).
				WithTag(participantIDTag, participantID).
				WithTag("msg_type", msgType).
				Error(errors.New("sending message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(clientIDTag, h.GetClientID()).
				WithTag(worldUUIDTag, worldUUID).
				WithTag(participantIDTag, participantID).
				WithTag("msg_type", msgType).
				Debug("message sent")
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

func (h *handlerWithLogs) state() (string, uint32) {
	h.stateMutex.RLock()
	defer h.stateMutex.RUnlock()

	return h.worldUUID, h.participantID
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) incCounter(msgType string) {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.counter[msgType]++
}

func (h *handlerWithLogs) logSummary() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	if len(h.counter) == 0 {
		return
	}

	worldUUID, participantID := h.state()
	entry := logs.
		WithTag(clientIDTag, h.GetClientID()).
		WithTag(worldUUIDTag, worldUUID).
		WithTag(participantIDTag, participantID).
		WithTag("time_interval", h.summaryInterval)

	for k, v := range h.counter {
		entry = entry.WithTag(k, v)
		delete(h.counter, k)
	}

	entry.Info("inbound message summary")
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
