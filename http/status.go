package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/geom"
	"github.com/segmentio/encoding/json"
)

func HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleReadyCheck responds with 503 until readinessCheck returns true.
func HandleReadyCheck(readinessCheck func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !readinessCheck() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HandleVersion responds with the server version as plain text.
func HandleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(version))
	}
}

// Info describes how a server is set up. Clients use it to know the bounds of
// the worlds they join and the wallet that signs area snapshots.
type Info struct {
	Version       string    `json:"version"`
	WalletAddress string    `json:"wallet_address"`
	WorldBounds   geom.Rect `json:"world_bounds"`
	Collapse      string    `json:"collapse"`
	FeatureFlags  []string  `json:"feature_flags,omitempty"`
}

func HandleInfo(info Info) http.HandlerFunc {
	body, err := json.Marshal(info)
	if err != nil {
		logs.Fatal(err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
