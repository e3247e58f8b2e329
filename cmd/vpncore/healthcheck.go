package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/irctrakz/vpncore/pkg/core"
	"github.com/irctrakz/vpncore/pkg/logging"
)

// engineStatus is the part of handler.Engine the health endpoint reads.
type engineStatus interface {
	State() core.ConnectionState
	Err() error
	Protocol() string
	LastHandshake() time.Time
	Stats() core.StatsSnapshot
}

type healthReport struct {
	State         string             `json:"state"`
	Protocol      string             `json:"protocol,omitempty"`
	Error         string             `json:"error,omitempty"`
	LastHandshake *time.Time         `json:"lastHandshake,omitempty"`
	Stats         core.StatsSnapshot `json:"stats"`
}

// healthHandler answers 200 while the tunnel is up and 503 otherwise, with
// the state and counters as JSON either way.
func healthHandler(e engineStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := e.State()
		rep := healthReport{
			State:    state.String(),
			Protocol: e.Protocol(),
			Stats:    e.Stats(),
		}
		if err := e.Err(); err != nil {
			rep.Error = err.Error()
		}
		if t := e.LastHandshake(); !t.IsZero() {
			rep.LastHandshake = &t
		}

		w.Header().Set("Content-Type", "application/json")
		if state == core.StateConnected {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			logging.Debugf("health: %v", err)
		}
	})
}
