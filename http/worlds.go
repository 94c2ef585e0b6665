package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/laguz/models"
	"github.com/segmentio/encoding/json"
)

// HeaderClientID is the header identifying a client across its connections.
const HeaderClientID = "X-Laguz-Client-Id"

// HandleWorldStats writes the debug information of the served worlds as JSON.
// A single world is returned when the world_uuid query parameter is set.
func HandleWorldStats(worlds *models.WorldStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res any

		if worldUUID := r.URL.Query().Get("world_uuid"); worldUUID != "" {
			world, ok := worlds.GetByUUID(worldUUID)
			if !ok {
				http.Error(w, "world not found", http.StatusNotFound)
				return
			}
			res = world.Stats()
		} else {
			list := worlds.List()
			stats := make([]models.WorldStats, len(list))
			for i, world := range list {
				stats[i] = world.Stats()
			}
			res = stats
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(res); err != nil {
			logs.Warn(errors.New("encoding world stats failed").Wrap(err))
		}
	}
}
