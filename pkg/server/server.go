package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"

	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/events"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

// ErrNotFound is returned when the requested server does not exist
var ErrNotFound = errors.New("server not found")

// ErrEtagRetriesExhausted is returned when every upsert attempt lost
// the etag race. It is distinguishable from generic storage failures
// so callers can choose to retry at their own cadence.
var ErrEtagRetriesExhausted = errors.New("etag retries exhausted")

// Results counts the storage operations one call performed
type Results struct {
	GetObjectAttempts   int `json:"getObjectAttempts"`
	GetObjectErrors     int `json:"getObjectErrors"`
	GetObjectNotFound   int `json:"getObjectNotFound"`
	PutObjectAttempts   int `json:"putObjectAttempts"`
	PutObjectErrors     int `json:"putObjectErrors"`
	PutObjectEtagErrors int `json:"putObjectEtagErrors"`
}

// UpsertOptions controls one Upsert call
type UpsertOptions struct {
	// AllowCreate permits synthesizing a fresh record when the server
	// does not exist
	AllowCreate bool

	// OverrideNonUpdatable permits changing uuid, hostname and created
	OverrideNonUpdatable bool

	// EtagRetries is how many times to restart the read-modify-write
	// after losing an etag race
	EtagRetries int
}

// Config wires a Store's collaborators
type Config struct {
	Store      storage.Store
	Broker     *events.Broker
	Clock      cnclock.Clock
	Datacenter string
}

// Store is the typed server model over the key/value store
type Store struct {
	store      storage.Store
	broker     *events.Broker
	clock      cnclock.Clock
	datacenter string
	log        zerolog.Logger
}

// New creates a server store
func New(cfg Config) *Store {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	return &Store{
		store:      cfg.Store,
		broker:     cfg.Broker,
		clock:      clk,
		datacenter: cfg.Datacenter,
		log:        log.WithComponent("server-store"),
	}
}

// Get returns the server under uuid
func (s *Store) Get(uuid string) (*types.Server, error) {
	var server types.Server
	_, err := s.store.GetObject(storage.BucketServers, uuid, &server)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// Upsert applies props to the server under uuid through an etag-guarded
// read-modify-write, creating the record when permitted. Properties
// outside the allowlist are stripped; non-updatable fields are dropped
// unless overridden; derived fields are recomputed on every write. No
// write is issued when the effective diff is empty.
func (s *Store) Upsert(uuid string, props Props, opts UpsertOptions) (*types.Server, *Results, error) {
	results := &Results{}

	filtered, dropped := filterAllowlist(props, allowlist)
	if len(dropped) > 0 {
		s.log.Debug().
			Str("server_uuid", uuid).
			Strs("dropped", dropped).
			Msg("stripped properties outside the allowlist")
	}

	attempts := opts.EtagRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		server, etag, created, err := s.fetchOrCreate(uuid, opts.AllowCreate, results)
		if err != nil {
			return nil, results, err
		}

		prev := *server
		if err := s.applyAndDerive(server, filtered, opts.OverrideNonUpdatable, &prev); err != nil {
			return nil, results, err
		}

		if !created && equalRecords(&prev, server) {
			// Nothing effectively changed; skip the write
			return server, results, nil
		}

		putOpts := storage.PutOptions{Etag: etag}
		if created {
			putOpts = storage.PutOptions{MustNotExist: true}
		}

		results.PutObjectAttempts++
		if _, err := s.store.PutObject(storage.BucketServers, uuid, server, putOpts); err != nil {
			if errors.Is(err, storage.ErrEtagConflict) || errors.Is(err, storage.ErrUniqueConflict) {
				results.PutObjectEtagErrors++
				continue
			}
			results.PutObjectErrors++
			return nil, results, err
		}

		s.publishChange(uuid, &prev, server, created)
		return server, results, nil
	}

	return nil, results, ErrEtagRetriesExhausted
}

// Delete removes the server and its shared status row
func (s *Store) Delete(uuid string) error {
	err := s.store.DeleteObject(storage.BucketServers, uuid)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	// The status row is best-effort: it may never have been written
	if err := s.store.DeleteObject(storage.BucketStatus, uuid); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn().Err(err).Str("server_uuid", uuid).Msg("failed to delete status row")
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:       events.EventServerDeleted,
			ServerUUID: uuid,
		})
	}
	return nil
}

// fetchOrCreate reads the current record, synthesizing a fresh one
// with process defaults when absent and allowed
func (s *Store) fetchOrCreate(uuid string, allowCreate bool, results *Results) (*types.Server, string, bool, error) {
	var server types.Server
	results.GetObjectAttempts++
	etag, err := s.store.GetObject(storage.BucketServers, uuid, &server)
	if err == nil {
		return &server, etag, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		results.GetObjectErrors++
		return nil, "", false, err
	}

	results.GetObjectNotFound++
	if !allowCreate {
		return nil, "", false, ErrNotFound
	}

	fresh := types.Server{
		UUID:       uuid,
		Datacenter: s.datacenter,
		Status:     types.ServerStatusUnknown,
		Created:    s.clock.Now().UTC(),
	}
	return &fresh, "", true, nil
}

// applyAndDerive applies filtered props and recomputes every derived
// field, in the order: non-updatable protection, property merge,
// agents back-compat, provisionable memory, transitional clearing.
func (s *Store) applyAndDerive(server *types.Server, filtered Props, override bool, prev *types.Server) error {
	effective := filtered
	if !override {
		effective = dropNonUpdatable(filtered, server, s.log)
	}
	if err := applyProps(server, effective); err != nil {
		return err
	}

	deriveAgents(server)
	deriveProvisionableMemory(server)
	clearTransitionalStatus(server, prev)
	return nil
}

// dropNonUpdatable removes identity fields that would change an
// already-set value
func dropNonUpdatable(props Props, current *types.Server, logger zerolog.Logger) Props {
	out := make(Props, len(props))
	for k, v := range props {
		out[k] = v
	}
	for _, field := range nonUpdatable {
		val, present := out[field]
		if !present {
			continue
		}
		var unchanged bool
		switch field {
		case "uuid":
			sv, ok := val.(string)
			unchanged = ok && (current.UUID == "" || sv == current.UUID)
		case "hostname":
			sv, ok := val.(string)
			unchanged = ok && (current.Hostname == "" || sv == current.Hostname)
		case "created":
			unchanged = current.Created.IsZero()
		}
		if !unchanged {
			logger.Debug().
				Str("server_uuid", current.UUID).
				Str("field", field).
				Msg("dropped change to non-updatable field")
			delete(out, field)
		}
	}
	return out
}

// deriveAgents populates the agents list from sysinfo's "SDC Agents"
// only while the stored list is empty. Nodes with newer agents report
// the list directly; this keeps older sysinfo-only nodes visible.
func deriveAgents(server *types.Server) {
	if len(server.Agents) > 0 || server.Sysinfo == nil {
		return
	}
	rawAgents, ok := server.Sysinfo["SDC Agents"]
	if !ok {
		return
	}
	data, err := json.Marshal(rawAgents)
	if err != nil {
		return
	}
	var agents []types.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return
	}
	server.Agents = agents
}

// deriveProvisionableMemory recomputes memory_provisionable_bytes from
// total memory, the reservation ratio, and the VMs' footprints
func deriveProvisionableMemory(server *types.Server) {
	if server.MemoryTotalBytes <= 0 {
		return
	}
	var vmTotal int64
	for _, vm := range server.VMs {
		vmTotal += vm.MaxPhysicalMemory
	}
	provisionable := math.Floor(float64(server.MemoryTotalBytes)*(1-server.ReservationRatio)) - float64(vmTotal)
	server.MemoryProvisionableBytes = int64(provisionable)
}

// clearTransitionalStatus clears transitional_status once the server
// is observed running again: either the status came back from unknown
// or the node rebooted (last_boot moved)
func clearTransitionalStatus(server *types.Server, prev *types.Server) {
	if server.TransitionalStatus == "" {
		return
	}
	if server.Status != types.ServerStatusRunning {
		return
	}
	if prev.Status == types.ServerStatusUnknown || !prev.LastBoot.Equal(server.LastBoot) {
		server.TransitionalStatus = ""
	}
}

func (s *Store) publishChange(uuid string, prev, cur *types.Server, created bool) {
	if s.broker == nil {
		return
	}
	evType := events.EventServerUpdated
	if created {
		evType = events.EventServerCreated
	}
	s.broker.Publish(&events.Event{
		Type:       evType,
		ServerUUID: uuid,
	})
	if !created && prev.Status != cur.Status {
		s.broker.Publish(&events.Event{
			Type:       events.EventServerStatusChanged,
			ServerUUID: uuid,
			Metadata: map[string]string{
				"old_status": string(prev.Status),
				"new_status": string(cur.Status),
			},
		})
	}
}

// equalRecords compares two server records by canonical encoding
func equalRecords(a, b *types.Server) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
