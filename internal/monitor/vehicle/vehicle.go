package vehicle

import (
	"sync"
	"time"
)

// State carries the vehicle-level telemetry shown on the status feed. It is
// sourced from the MAVLink bridge over the message bus; the launcher only
// relays the latest values.
type State struct {
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	YawDegree         float32   `json:"yawDegree"`
	BatteryPercentage float32   `json:"batteryPercentage"`
	Armed             bool      `json:"armed"`
	FlightMode        string    `json:"flightMode"`
	LastTelemetryAt   time.Time `json:"lastTelemetryAt"`
}

// Store holds the most recent vehicle state behind a lock.
type Store struct {
	mu    sync.RWMutex
	state State
}

func NewStore() *Store {
	return &Store{state: State{FlightMode: "MANUAL"}}
}

// Update replaces the stored telemetry with a newer report.
func (s *Store) Update(state State) {
	if state.LastTelemetryAt.IsZero() {
		state.LastTelemetryAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Snapshot returns a copy of the latest state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
