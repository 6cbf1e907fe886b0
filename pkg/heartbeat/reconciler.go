package heartbeat

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/log"
	"github.com/dcfleet/cnapi/pkg/metrics"
	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

const (
	// DefaultPeriod is how often the reconciler runs
	DefaultPeriod = 5 * time.Second

	// DefaultLifetime is how long a heartbeat stays fresh. A server
	// whose last heartbeat is older than this is marked unknown.
	DefaultLifetime = 11 * time.Second
)

// ReconcilerConfig wires a reconciler's collaborators
type ReconcilerConfig struct {
	Store        storage.Store
	Servers      *server.Store
	Registry     *Registry
	Clock        cnclock.Clock
	InstanceUUID string
	Period       time.Duration
	Lifetime     time.Duration
}

// Reconciler periodically walks the registry, maintains the shared
// per-server status rows, and transitions server status between
// running and unknown. Exactly one replica owns a server's status row
// at a time; ownership follows the newest persisted heartbeat.
type Reconciler struct {
	store    storage.Store
	servers  *server.Store
	registry *Registry
	clock    cnclock.Clock
	instance string
	period   time.Duration
	lifetime time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
}

// NewReconciler creates a reconciler
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	clk := cfg.Clock
	if clk == nil {
		clk = cnclock.New()
	}
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Reconciler{
		store:    cfg.Store,
		servers:  cfg.Servers,
		registry: cfg.Registry,
		clock:    clk,
		instance: cfg.InstanceUUID,
		period:   period,
		lifetime: lifetime,
		log:      log.WithComponent("heartbeat-reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one cycle: select every registry entry that is
// new to this replica or whose heartbeat has gone stale, and run the
// per-server pipeline serially. Errors are logged and counted, never
// fatal; the next tick retries whatever is still selected.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	now := r.clock.Now().UTC()
	for uuid, entry := range r.registry.Entries() {
		isNew := entry.LastStatusUpdate == nil
		stale := entry.LastHeartbeat.Before(now.Add(-r.lifetime))
		if !isNew && !stale {
			continue
		}
		if isNew {
			metrics.NewHeartbeatersTotal.Inc()
		}
		if stale {
			metrics.StaleHeartbeatersTotal.Inc()
		}
		r.reconcileServer(uuid, entry, now, stale)
	}
}

// reconcileServer runs the pipeline for one selected server: read the
// status row, resolve takeover against the fetched row, write the row
// under its etag, then transition the server's status.
func (r *Reconciler) reconcileServer(uuid string, entry Entry, now time.Time, stale bool) {
	var row types.StatusRow
	etag, err := r.store.GetObject(storage.BucketStatus, uuid, &row)
	found := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Error().Err(err).Str("server_uuid", uuid).Msg("failed to read status row")
		return
	}

	if found && row.LastHeartbeat.After(entry.LastHeartbeat) {
		if row.CnapiInstance == r.instance {
			// A row we wrote ourselves is ahead of what we observed;
			// that only happens when clocks misbehave
			r.log.Warn().
				Str("server_uuid", uuid).
				Time("persisted", row.LastHeartbeat).
				Time("observed", entry.LastHeartbeat).
				Msg("own status row is ahead of observed heartbeat")
			return
		}
		// Another replica holds a newer heartbeat; it owns this server
		r.registry.Delete(uuid)
		metrics.UsurpedHeartbeatersTotal.Inc()
		r.log.Info().
			Str("server_uuid", uuid).
			Str("usurped_by", row.CnapiInstance).
			Msg("server taken over by another instance")
		return
	}

	next := types.StatusRow{
		ServerUUID:    uuid,
		CnapiInstance: r.instance,
		LastHeartbeat: entry.LastHeartbeat,
	}
	putOpts := storage.PutOptions{Etag: etag}
	if !found {
		putOpts = storage.PutOptions{MustNotExist: true}
	}

	metrics.StatusPutAttemptsTotal.Inc()
	if _, err := r.store.PutObject(storage.BucketStatus, uuid, &next, putOpts); err != nil {
		if errors.Is(err, storage.ErrEtagConflict) || errors.Is(err, storage.ErrUniqueConflict) {
			// Lost the row to a concurrent writer; the takeover check
			// on the next tick decides who keeps the server
			metrics.StatusPutEtagConflictsTotal.Inc()
		} else {
			metrics.StatusPutErrorsTotal.Inc()
		}
		r.log.Warn().Err(err).Str("server_uuid", uuid).Msg("failed to write status row")
		return
	}

	r.registry.SetStatusUpdated(uuid, now)

	status := types.ServerStatusRunning
	if stale {
		status = types.ServerStatusUnknown
		r.registry.Delete(uuid)
	}

	_, _, err = r.servers.Upsert(uuid, server.Props{"status": string(status)}, server.UpsertOptions{})
	if err != nil {
		// Drop the entry so the next heartbeat re-creates it and the
		// server is re-reconciled from scratch
		r.log.Warn().Err(err).
			Str("server_uuid", uuid).
			Str("status", string(status)).
			Msg("failed to update server status")
		r.registry.Delete(uuid)
	}
}
