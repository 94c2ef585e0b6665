package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	lhttp "github.com/aukilabs/laguz/http"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// NewTestingEnv starts a server handling connections with the handlers
// returned by newHandler, and connects two clients to it.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*TestClient, *TestClient, func()) {
	var mutex sync.Mutex
	logger := t.Log

	logs.Encoder = func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}

	logs.SetLogger(func(e logs.Entry) {
		mutex.Lock()
		defer mutex.Unlock()

		if logger != nil {
			logger(e)
		}
	})

	errors.Encoder = json.Marshal

	clientA, clientB, close := newTestingEnv(t, newHandler)
	return clientA, clientB, func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = nil
		close()
	}
}

func newTestingEnv(t *testing.T, newHandler func() Handler) (*TestClient, *TestClient, func()) {
	server := httptest.NewServer(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			handler := newHandler()
			defer handler.Close()

			Handle(context.Background(), conn, handler)
		},
	})

	newConn := func() *TestClient {
		config, err := websocket.NewConfig(
			strings.ReplaceAll(server.URL, "http://", "ws://"),
			"http://localhost",
		)
		if err != nil {
			t.Fatalf("error initializing web socket: %s", err)
		}

		config.Header.Set("User-Agent", "ted")
		config.Header.Set("X-Forwarded-For", "192.0.0.0")
		config.Header.Set(lhttp.HeaderClientID, uuid.NewString())

		conn, err := websocket.DialConfig(config)
		if err != nil {
			t.Fatalf("error dialing web socket: %s", err)
		}

		return &TestClient{
			Conn: conn,
			t:    t,
		}
	}

	clientA := newConn()
	clientB := newConn()

	return clientA, clientB, func() {
		clientA.Conn.Close()
		clientB.Conn.Close()
		server.Close()
	}
}

// TestClient is a websocket client that sends requests and waits for
// specific messages.
type TestClient struct {
	Conn *websocket.Conn

	t *testing.T
}

// Send sends a message with the given type and data.
func (c *TestClient) Send(t MsgType, requestID uint32, data any) {
	c.t.Helper()

	msg, err := NewMsg(t, requestID, data)
	if err != nil {
		c.t.Fatalf("error creating message: %s", err)
	}

	if _, err := Send(c.Conn, msg); err != nil {
		c.t.Fatalf("error sending message: %s", err)
	}
}

// Receive returns the first received message with the given type and request
// id. Other messages are discarded.
func (c *TestClient) Receive(t MsgType, requestID uint32) Msg {
	c.t.Helper()

	deadline := time.Now().Add(time.Second * 5)
	c.Conn.SetReadDeadline(deadline)
	defer c.Conn.SetReadDeadline(time.Time{})

	for {
		msg, _, err := Receive(c.Conn)
		if err != nil {
			c.t.Fatalf("error waiting for a %q message: %s", t, err)
		}

		if msg.Type == t && msg.RequestID == requestID {
			return msg
		}
	}
}

// ReceiveData waits for a message like Receive and decodes its data into v.
func (c *TestClient) ReceiveData(t MsgType, requestID uint32, v any) {
	c.t.Helper()

	msg := c.Receive(t, requestID)
	if err := msg.DataTo(v); err != nil {
		c.t.Fatalf("error decoding %q message: %s", t, err)
	}
}
