package heartbeat

import (
	"sync"
	"time"

	"github.com/dcfleet/cnapi/pkg/metrics"
)

// Entry is the per-server liveness record this replica holds in memory
type Entry struct {
	// LastHeartbeat is the timestamp of the most recent heartbeat the
	// HTTP handler observed for this server
	LastHeartbeat time.Time

	// LastStatusUpdate is when the reconciler last wrote this server's
	// status row. Nil means the server is new to this replica and has
	// never been reconciled.
	LastStatusUpdate *time.Time
}

// Registry is the process-local map of recently heartbeating servers.
// The heartbeat handler writes LastHeartbeat; the reconciler is the
// only mutator of LastStatusUpdate and the only caller that deletes
// keys.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Touch records a heartbeat observed for the server, creating the
// entry when the server is new to this replica
func (r *Registry) Touch(uuid string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[uuid]
	entry.LastHeartbeat = t
	r.entries[uuid] = entry
	metrics.HeartbeatRegistrySize.Set(float64(len(r.entries)))
}

// Entries returns a snapshot of the registry
func (r *Registry) Entries() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for uuid, entry := range r.entries {
		out[uuid] = entry
	}
	return out
}

// Lookup returns the entry for a server, if present
func (r *Registry) Lookup(uuid string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[uuid]
	return entry, ok
}

// SetStatusUpdated marks a successful status-row write for the server.
// A no-op when the entry has been deleted in the meantime.
func (r *Registry) SetStatusUpdated(uuid string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[uuid]
	if !ok {
		return
	}
	ts := t
	entry.LastStatusUpdate = &ts
	r.entries[uuid] = entry
}

// Delete removes a server from the registry
func (r *Registry) Delete(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, uuid)
	metrics.HeartbeatRegistrySize.Set(float64(len(r.entries)))
}

// Len returns the number of tracked servers
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
