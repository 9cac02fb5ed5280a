package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is the reported liveness of a managed service. Unknown is both the
// initial state and the state the watchdog assigns after staleness expiry.
type Status string

const (
	StatusUnknown Status = "Unknown"
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
)

// UpdateAvailability is published on a record when the version oracle finds
// a newer release for the service.
type UpdateAvailability struct {
	AvailableVersion string `json:"availableVersion"`
}

// ServiceRecord is the aggregated health view of one managed service.
type ServiceRecord struct {
	Name            string              `json:"name"`
	Status          Status              `json:"status"`
	Version         string              `json:"version"`
	LastHeartbeatAt time.Time           `json:"lastHeartbeatAt"`
	Update          *UpdateAvailability `json:"update,omitempty"`
}

// Registry is the concurrent store of per-service health state. It owns all
// ServiceRecord instances; callers only ever see copies. Status moves only
// through RecordHeartbeat and ExpireStale.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceRecord
}

// New builds a registry pre-seeded with the known service set, all Unknown.
func New(names ...string) *Registry {
	r := &Registry{services: make(map[string]*ServiceRecord, len(names))}
	for _, name := range names {
		r.services[name] = &ServiceRecord{Name: name, Status: StatusUnknown}
	}
	return r
}

// Known reports whether name belongs to the fixed service set.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[name]
	return ok
}

// RecordHeartbeat applies one heartbeat. It is an idempotent upsert with
// wall-clock last-write-wins semantics; each service has a single reporter,
// so no sequence ordering beyond the timestamp is assumed. Heartbeats for
// services outside the known set are ignored.
func (r *Registry) RecordHeartbeat(service, version string, status Status, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[service]
	if !ok {
		log.Debug().Str("service", service).Msg("heartbeat for unmanaged service ignored")
		return
	}
	if at.Before(rec.LastHeartbeatAt) {
		// Late delivery of an older report; the stored state is newer.
		return
	}
	rec.Status = status
	rec.Version = version
	rec.LastHeartbeatAt = at
}

// Snapshot returns deep copies of all records so readers never race writers.
func (r *Registry) Snapshot() []ServiceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceRecord, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, copyRecord(rec))
	}
	return out
}

// Get returns a copy of one record.
func (r *Registry) Get(service string) (ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[service]
	if !ok {
		return ServiceRecord{}, false
	}
	return copyRecord(rec), true
}

// MarkUpdateAvailable publishes a pending update version on the record.
func (r *Registry) MarkUpdateAvailable(service, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[service]
	if !ok {
		return
	}
	rec.Update = &UpdateAvailability{AvailableVersion: version}
}

// ClearUpdateAvailable removes the pending update marker.
func (r *Registry) ClearUpdateAvailable(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[service]
	if !ok {
		return
	}
	rec.Update = nil
}

// ExpireStale marks every record without a heartbeat in the last timeout as
// Unknown and returns the affected service names. The expiry is advisory: a
// late heartbeat always overrides it on the next RecordHeartbeat.
func (r *Registry) ExpireStale(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for _, rec := range r.services {
		if rec.Status == StatusUnknown {
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) > timeout {
			rec.Status = StatusUnknown
			expired = append(expired, rec.Name)
		}
	}
	return expired
}

func copyRecord(rec *ServiceRecord) ServiceRecord {
	out := *rec
	if rec.Update != nil {
		u := *rec.Update
		out.Update = &u
	}
	return out
}
