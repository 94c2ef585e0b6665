// Package smoketest checks that a Laguz server accepts a client and serves
// the realtime world protocol end to end.
package smoketest

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/geom"
	"github.com/aukilabs/laguz/models"
	lwebsocket "github.com/aukilabs/laguz/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeUnexpectedResponse = "smoke_test_unexpected_response"

	defaultTimeout = time.Second * 10
)

type Options struct {
	// The endpoint of the server running the smoke tests.
	Endpoint  string
	UserAgent string

	// Called with the results of each smoke test.
	SendResult func(context.Context, Results) error
}

// Request is the body of a smoke test request.
type Request struct {
	// The endpoint of the tested server.
	Endpoint string        `json:"endpoint"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Results describes the outcome of a smoke test.
type Results struct {
	FromEndpoint    string    `json:"from_endpoint"`
	ToEndpoint      string    `json:"to_endpoint"`
	StartedAt       time.Time `json:"started_at"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	LatencyMilliSec float64   `json:"latency_millisec"`
}

// HandleSmokeTest starts a smoke test against the endpoint of the request. The
// test runs in the background and its results are passed to opts.SendResult.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body failed", http.StatusInternalServerError)
			return
		}

		var req Request
		if err := json.Unmarshal(b, &req); err != nil || req.Endpoint == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		go func() {
			res, err := Run(ctx, RunOptions{
				FromEndpoint: opts.Endpoint,
				ToEndpoint:   req.Endpoint,
				UserAgent:    opts.UserAgent,
				Timeout:      req.Timeout,
			})
			if err != nil {
				logs.WithTag("from_endpoint", opts.Endpoint).
					WithTag("to_endpoint", req.Endpoint).
					Warn(errors.New("smoke test failed").Wrap(err))
			}

			if err := opts.SendResult(ctx, res); err != nil {
				logs.WithTag("from_endpoint", opts.Endpoint).
					WithTag("to_endpoint", req.Endpoint).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}()

		w.WriteHeader(http.StatusOK)
	}
}

type RunOptions struct {
	FromEndpoint string
	ToEndpoint   string
	UserAgent    string
	Timeout      time.Duration
}

// Run connects to a server, joins a new world, adds an entity, queries the
// area around it and deletes it. The returned results are filled even when an
// error is returned.
func Run(ctx context.Context, opts RunOptions) (Results, error) {
	res := Results{
		FromEndpoint: opts.FromEndpoint,
		ToEndpoint:   opts.ToEndpoint,
		StartedAt:    time.Now(),
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	if err := run(ctx, opts, timeout); err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Success = true
	res.LatencyMilliSec = float64(time.Since(res.StartedAt)) / float64(time.Millisecond)
	return res, nil
}

func run(ctx context.Context, opts RunOptions, timeout time.Duration) error {
	config, err := websocket.NewConfig(toWebsocketURL(opts.ToEndpoint), opts.FromEndpoint)
	if err != nil {
		return errors.New("creating websocket config failed").Wrap(err)
	}
	if opts.UserAgent != "" {
		config.Header.Set("User-Agent", opts.UserAgent)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := config.DialContext(ctx)
	if err != nil {
		return errors.New("dialing server failed").Wrap(err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	var join lwebsocket.WorldJoinResponse
	if err := request(conn, lwebsocket.MsgTypeWorldJoin, 1, lwebsocket.WorldJoinRequest{},
		lwebsocket.MsgTypeWorldJoinResponse, &join); err != nil {
		return err
	}

	transform := models.NewTransform(geom.NewVec2(0.5, 0.5))
	transform.Position = join.Bounds.Center

	var added lwebsocket.EntityAddResponse
	if err := request(conn, lwebsocket.MsgTypeEntityAdd, 2, lwebsocket.EntityAddRequest{
		Transform: transform,
	}, lwebsocket.MsgTypeEntityAddResponse, &added); err != nil {
		return err
	}

	var query lwebsocket.AreaQueryResponse
	if err := request(conn, lwebsocket.MsgTypeAreaQuery, 3, lwebsocket.AreaQueryRequest{
		Area: geom.Rect{Center: transform.Position, HalfExtents: geom.NewVec2(1, 1)},
	}, lwebsocket.MsgTypeAreaQueryResponse, &query); err != nil {
		return err
	}

	found := false
	for _, e := range query.Snapshot.Entities {
		if e.ID == added.Entity.ID {
			found = true
			break
		}
	}
	if !found {
		return errors.New("added entity is not in the queried area").
			WithType(ErrTypeUnexpectedResponse).
			WithTag("entity_id", added.Entity.ID)
	}

	var deleted lwebsocket.EntityDeleteResponse
	return request(conn, lwebsocket.MsgTypeEntityDelete, 4, lwebsocket.EntityDeleteRequest{
		EntityID: added.Entity.ID,
	}, lwebsocket.MsgTypeEntityDeleteResponse, &deleted)
}

// request sends a request and waits for its response. Messages that are not
// related to the request are skipped.
func request(conn *websocket.Conn, t lwebsocket.MsgType, requestID uint32, data any, responseType lwebsocket.MsgType, res any) error {
	msg, err := lwebsocket.NewMsg(t, requestID, data)
	if err != nil {
		return err
	}

	if _, err := lwebsocket.Send(conn, msg); err != nil {
		return errors.New("sending request failed").
			WithTag("msg_type", t).
			Wrap(err)
	}

	for {
		msg, _, err := lwebsocket.Receive(conn)
		if err != nil {
			return errors.New("receiving response failed").
				WithTag("msg_type", t).
				Wrap(err)
		}

		if msg.RequestID != requestID {
			continue
		}

		switch msg.Type {
		case responseType:
			return msg.DataTo(res)

		case lwebsocket.MsgTypeErrorResponse:
			var errRes lwebsocket.ErrorResponse
			msg.DataTo(&errRes)

			return errors.New("server responded with an error").
				WithType(ErrTypeUnexpectedResponse).
				WithTag("msg_type", t).
				WithTag("code", errRes.Code).
				WithTag("message", errRes.Message)
		}
	}
}

func toWebsocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")

	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")

	default:
		return endpoint
	}
}
