package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// The time given to servers to close their connections once ctx is canceled.
const shutdownTimeout = time.Second * 10

// ListenAndServe runs the given servers until ctx is canceled or until they
// all stop.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logs.Warn(errors.New("shutting down server failed").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(len(servers))

	for _, s := range servers {
		go func(s *http.Server) {
			defer wg.Done()
			serve(s)
		}(s)
	}

	wg.Wait()
}

func serve(s *http.Server) {
	logs.WithTag("addr", s.Addr).Info("starting server")

	err := s.ListenAndServe()
	if err == nil || err == http.ErrServerClosed {
		logs.WithTag("addr", s.Addr).Info("server stopped")
		return
	}

	logs.Warn(errors.New("server stopped unexpectedly").
		WithTag("addr", s.Addr).
		Wrap(err))
}

// MetricsPathFormatter returns an empty path for responses that do not match a
// served route, which keeps the metrics path label cardinality bounded.
func MetricsPathFormatter(statusCode int, path string) string {
	switch statusCode {
	case http.StatusMovedPermanently,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusMethodNotAllowed:
		return ""

	default:
		return path
	}
}
